package main

import "github.com/ValentinKolb/tinyrpc/cmd"

func main() {
	cmd.Execute()
}
