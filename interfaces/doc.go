// Package interfaces defines the core types shared by the uploader components:
// upload sessions and their state machine, the session store contract, the
// storage backend capability and the signed request credentials.
//
// Implementations live in sibling packages:
//
//   - sessions: in-memory SessionStore
//   - storage: StorageBackend implementations and the dispatcher
//   - ledger: OwnershipVerifier implementations
//   - auth: the authentication gate consuming Credentials
package interfaces
