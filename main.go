package main

import "github.com/LingshijunRenzy/ICS-guard/cmd"

func main() {
	cmd.Execute()
}
