package main

import "github.com/xiaoyubing999/openakita-sub001/cmd"

func main() {
	cmd.Execute()
}
