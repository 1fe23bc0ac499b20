package internal

// Version is overridden at build time with -ldflags "-X github.com/alttch/sshare/internal.Version=...".
var Version = "dev"

func UserAgent() string {
	return "sshare/" + Version
}
