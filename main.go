package main

import "github.com/nexusnotes/chatcore/cmd"

func main() {
	cmd.Execute()
}
