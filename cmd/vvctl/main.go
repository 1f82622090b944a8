package main

import (
	"fmt"
	"os"

	"github.com/micksolo/VanishVoice-sub006/pkg/vvcli"
)

func main() {
	if err := vvcli.RunCLI(os.Args[0], os.Args[1:], os.Stderr); err != nil {
		if usage, ok := err.(vvcli.UsageError); ok {
			fmt.Fprintln(os.Stderr, usage.Error())
			for _, line := range usage.UsageLines() {
				fmt.Fprintln(os.Stderr, line)
			}
			os.Exit(2)
		}
		os.Exit(1)
	}
}
