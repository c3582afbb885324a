package main

import (
	"os"

	"chatd/internal/chatctl"
)

func main() {
	os.Exit(chatctl.Main())
}
