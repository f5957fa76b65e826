package version

// EmptyValue marks a binary that wasn't built by `make`, such as one
// produced by `go test`.
const EmptyValue = "set-by-make"

// Version is injected at link time with
// `-ldflags "-X github.com/sidkik/vitadeploy/pkg/version.Version=..."`.
var Version = EmptyValue

// IsRelease returns whether the binary carries a real version.
func IsRelease() bool {
	return Version != EmptyValue
}
