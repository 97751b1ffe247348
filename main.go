package main

import "github.com/envoyhq/envoy/cmd"

func main() {
	cmd.Execute()
}
