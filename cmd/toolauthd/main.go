// toolauthd runs the toolauth authorization server, and optionally a
// resource server guard, from a YAML configuration file.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
