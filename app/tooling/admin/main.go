// This program performs administrative tasks for the chainpaint engine.
package main

import "github.com/chainpaint/chainpaint/app/tooling/admin/cmd"

func main() {
	cmd.Execute()
}
