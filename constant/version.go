package constant

var Version = "unknown"

var Commit = ""
