package main

import "github.com/nextlevelbuilder/telepersona/cmd"

func main() {
	cmd.Execute()
}
