package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

func IsDev() bool {
	return Version == "dev"
}

func BinaryName() string {
	if IsDev() {
		return "dleasegate"
	}
	return "leasegate"
}
