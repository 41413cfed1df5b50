package main

import "fmt"

// Set with -ldflags "-X main.gitSHA1=... -X main.gitDirty=...".
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "0"
	buildDate string = "unknown"
)

const baseVersion = "0.1.0"

var Version = version(gitSHA1, gitDirty)

func version(sha1, dirty string) string {
	v := baseVersion
	if sha1 != "" && sha1 != "unknown" {
		v = fmt.Sprintf("%s (git:%s", v, sha1)
		if dirty != "" && dirty != "0" {
			v += "-dirty"
		}
		v += ")"
	}
	if buildDate != "unknown" {
		v += " built " + buildDate
	}
	return v
}
