// chatserver runs the server side of the chatroom protocol core: it
// binds a UDP socket, loads the user store, and serves datagram clients
// until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatroom/internal/audit"
	"chatroom/internal/chatclock"
	"chatroom/internal/endpoint"
	"chatroom/internal/protoerr"
	"chatroom/internal/userstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	bind := flag.String("bind", "0.0.0.0:0", "UDP address to listen on")
	heartbeatMs := flag.Uint("heartbeat-ms", 60000, "heartbeat interval in milliseconds")
	storePath := flag.String("store", "./users.bin", "path to the user credential store")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *bind)
	if err != nil {
		log.Println("config error:", err)
		return 1
	}

	users, err := userstore.Open(*storePath)
	if err != nil {
		if perr, ok := err.(*protoerr.Error); ok && perr.Kind == protoerr.KindStoreCorrupt {
			log.Println("store corrupt:", err)
			return 2
		}
		log.Println("config error:", err)
		return 1
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Println("config error:", err)
		return 1
	}

	auditPath := "./chatroom-audit.db"
	if path, set := os.LookupEnv("CHATROOM_AUDIT_DB"); set {
		auditPath = path
	}
	var auditLog *audit.Log
	if auditPath != "" {
		auditLog, err = audit.Open(auditPath)
		if err != nil {
			log.Println("audit store error:", err)
			return 1
		}
		defer auditLog.Close()
	}

	srv := endpoint.NewServer(conn, users, chatclock.New(), endpoint.ServerConfig{
		HeartbeatInterval: time.Duration(*heartbeatMs) * time.Millisecond,
		Audit:             auditLog,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Println("chatserver listening on", srv.LocalAddr())
		srv.Serve()
	}()

	<-ctx.Done()
	log.Println("shutting down")
	srv.Close()
	return 0
}
