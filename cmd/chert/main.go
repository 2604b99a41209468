package main

import "github.com/chertdb/chert/cmd/chert/cmd"

func main() {
	cmd.Execute()
}
