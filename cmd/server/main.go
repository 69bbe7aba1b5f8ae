package main

import (
	"github.com/OFFIS-RIT/kiwi/extractor/internal/server"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Level:  util.GetEnvString("LOG_LEVEL", "info"),
		Format: util.GetEnvString("LOG_FORMAT", "text"),
		Prefix: "server",
	})
	logger.Init(consoleLogger)

	server.Init()
}
