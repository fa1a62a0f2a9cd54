package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

func exerciseStorage(t *testing.T, s storage) {
	t.Helper()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.records.Put(ctx, "Scheduler#check", []byte("1"), time.Minute); err != nil {
		t.Fatalf("put record: %v", err)
	}
	keys, err := s.records.Keys(ctx, "Scheduler#")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one scheduler key, got %v (%v)", keys, err)
	}
	err = s.credentials.SaveCredential(ctx, core.SealedCredential{
		UserID:    "U1",
		Payload:   []byte("sealed"),
		KeyID:     "k1",
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("save credential: %v", err)
	}
	got, found, err := s.credentials.GetCredential(ctx, "U1")
	if err != nil || !found || string(got.Payload) != "sealed" {
		t.Fatalf("unexpected credential %+v found=%v err=%v", got, found, err)
	}
}

func TestOpenStorage_Memory(t *testing.T) {
	s, err := openStorage(context.Background(), core.StoreConfig{Driver: core.StoreDriverMemory}, time.Hour)
	if err != nil {
		t.Fatalf("open memory storage: %v", err)
	}
	defer func() { _ = s.close() }()
	exerciseStorage(t, s)
}

func TestOpenStorage_Redis(t *testing.T) {
	server := miniredis.RunT(t)
	s, err := openStorage(context.Background(), core.StoreConfig{
		Driver:    core.StoreDriverRedis,
		RedisAddr: server.Addr(),
		KeyPrefix: "kintai:",
	}, time.Hour)
	if err != nil {
		t.Fatalf("open redis storage: %v", err)
	}
	defer func() { _ = s.close() }()
	exerciseStorage(t, s)
	if !server.Exists("kintai:Scheduler#check") {
		t.Fatalf("expected prefixed key in redis, got %v", server.Keys())
	}
}

func TestOpenStorage_SQLiteMigrates(t *testing.T) {
	dsn := fmt.Sprintf("file:kintai-main-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	s, err := openStorage(context.Background(), core.StoreConfig{Driver: core.StoreDriverSQLite, DSN: dsn}, time.Hour)
	if err != nil {
		t.Fatalf("open sqlite storage: %v", err)
	}
	defer func() { _ = s.close() }()
	exerciseStorage(t, s)
}

func TestOpenStorage_UnsupportedDriver(t *testing.T) {
	if _, err := openStorage(context.Background(), core.StoreConfig{Driver: "mongo"}, time.Hour); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
