package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/collab"
	"roomsync/backend/internal/store"
)

type AgentConfig struct {
	Relay struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Relay"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Local struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Local"`
	Room struct {
		ID   string `mapstructure:"id"`
		Name string `mapstructure:"name"`
	} `mapstructure:"Room"`
}

func initConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	v := viper.New()
	v.SetConfigName("agentConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// room_agent：常驻的无头房间客户端。接上中继、跟住房间状态、
// 负责把快照落进 MySQL，本端计数器落在 bbolt。
func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// 快照历史表复用 gorm 底下的连接池
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get sql db: %v", err)
	}
	defer sqlDB.Close()

	local, err := collab.OpenBoltLocalState(cfg.Local.Path)
	if err != nil {
		log.Fatalf("Failed to open local state: %v", err)
	}
	defer local.Close()

	session, err := collab.OpenRoom(context.Background(), collab.SessionConfig{
		RoomID:   cfg.Room.ID,
		UserName: cfg.Room.Name,
	}, collab.SessionDeps{
		Factory: &channel.Dialer{BaseURL: cfg.Relay.URL},
		Store:   store.NewRoomStore(db),
		History: store.NewSnapshotHistory(sqlDB),
		Local:   local,
	})
	if err != nil {
		log.Fatalf("Failed to open room: %v", err)
	}

	session.OnFileEvent(func(ev collab.FileEvent) {
		log.Printf("file %s: id=%d name=%s (by %s)", ev.Kind, ev.File.ID, ev.File.Name, ev.OriginID)
	})
	session.OnRosterChange(func(members []channel.MemberState) {
		log.Printf("roster changed: %d online", len(members))
	})
	session.OnConnStateChange(func(st collab.ConnState) {
		log.Printf("connection state: %s", st)
	})
	log.Printf("joined room %s as %s (%d files)",
		session.RoomID, session.ParticipantID, len(session.Files()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := session.Close(); err != nil {
		log.Printf("close session: %v", err)
	}
}
