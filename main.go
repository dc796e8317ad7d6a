package main

import "github.com/ngld/stylebuild/cmd"

func main() {
	cmd.Execute()
}
