package main

import (
	"fmt"
	"os"

	"github.com/davidnitty/Whatsapp-TagAll-Bot/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	go autorestart.RestartOnChange()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tagall:", err)
		os.Exit(1)
	}
}
