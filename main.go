package main

import "github.com/almudeerhq/almudeer/cmd"

func main() {
	cmd.Execute()
}
