package main

import "github.com/Account-Link/oauth3-tee-proxy-sub000/cmd/teeproxy/cmd"

func main() {
	cmd.Execute()
}
