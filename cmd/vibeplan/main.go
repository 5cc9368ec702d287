// Command vibeplan はグループの好みを集計して行き先を決めるプランニングAPIを起動する。
//
// 使い方:
//
//	vibeplan [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/vibeplan/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vibeplan: %v\n", err)
		os.Exit(1)
	}
}
