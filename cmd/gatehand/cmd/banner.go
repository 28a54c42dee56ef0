package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ____       _       _                     _
  / ___| __ _| |_ ___| |__   __ _ _ __   __| |
 | |  _ / _` + "`" + ` | __/ _ \ '_ \ / _` + "`" + ` | '_ \ / _` + "`" + ` |
 | |_| | (_| | ||  __/ | | | (_| | | | | (_| |
  \____|\__,_|\__\___|_| |_|\__,_|_| |_|\__,_|

`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  OpenID Connect Forward-Auth - Version %s\x1b[0m\n\n", Version)
}
