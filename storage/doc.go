// Package storage persists completed uploads to content-addressed storage providers.
//
// Providers are selected by name in the storage_providers configuration list:
//
//   - ipfs_node (alias ipfs) - an IPFS node reached over its RPC API
//   - web3storage - the web3.storage upload API
//   - estuary - an Estuary collection
//   - s3 - Amazon S3 or a compatible service, keyed by SHA-256
//   - file - a local directory, keyed by SHA-256
//
// # Dispatch
//
// The Dispatcher sends every file to all configured providers in parallel.
// Each provider is retried on its own according to a RetryPolicy; a provider
// that exhausts its attempts is logged and left out of the result. When
// several providers succeed one identifier is picked at random as the
// representative CID and the full list is reported alongside it, in
// configuration order.
//
// Jobs are queued on a bounded channel and consumed by a fixed number of
// workers. The outcome is recorded on the upload session and the staged file
// is removed after a successful dispatch. Failed files stay on disk until
// the session sweeper evicts the session.
package storage
