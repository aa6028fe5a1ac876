// The main package for the scrapebot executable.
package main

import "github.com/JakeFAU/scrapebot/cmd"

func main() {
	cmd.Execute()
}
