package common

// Version is the build version, overridden at link time with
// -ldflags "-X github.com/veilcrypt/veil-go/common.Version=...".
var Version = "dev"
