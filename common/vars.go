package common

// Version is set at build time with -ldflags "-X github.com/ruteri/tee-keysync/common.Version=..."
var Version = "dev"

// PackageName is used as the metrics namespace and default log service name.
const PackageName = "keysync"
