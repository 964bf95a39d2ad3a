package main

import (
	"gridkv/internal/config"
	"gridkv/server"
)

func main() {
	config.LoadConfig()
	server.Init()
}
