package main

import "github.com/tollgate-ai/tollgate/cmd/tollgate/cmd"

func main() {
	cmd.Execute()
}
