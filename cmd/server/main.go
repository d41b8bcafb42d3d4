package main

import (
	"github.com/adamanteye/veloquent-core/internal/config"
	"github.com/adamanteye/veloquent-core/internal/db"
	clog "github.com/adamanteye/veloquent-core/internal/log"
	"github.com/adamanteye/veloquent-core/internal/server"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	tasks := task.New(cfg.FanoutWorkers, 256)
	defer tasks.Stop()

	r := server.SetupRouter(cfg, gdb, hub, tasks)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
