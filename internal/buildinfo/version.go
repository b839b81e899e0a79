package buildinfo

// Version is set at link time:
//
//	go build -ldflags "-X go2tv.app/avsession/internal/buildinfo.Version=v1.2.0"
var Version = "dev"
