package common

// Version is set at build time through -ldflags "-X .../common.Version=...".
var Version = "dev"

// PackageName is used for the service tag and the version endpoint.
const PackageName = "web3-uploader"
