package main

import "github.com/JakeFAU/source-validator/cmd"

func main() {
	cmd.Execute()
}
