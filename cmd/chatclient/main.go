// chatclient is the minimal shell around a client session: it connects
// to a chatserver and logs every pushed notification until interrupted.
// Interactive commands (login, say, ...) belong to the UI layer this
// core is built to support, not to this smoke-test shell.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatroom/internal/chatclock"
	"chatroom/internal/clientsession"
	"chatroom/internal/notify"
)

func main() {
	os.Exit(run())
}

func run() int {
	serverAddr := flag.String("server", "", "chatserver address (required)")
	flag.Parse()
	if *serverAddr == "" {
		log.Println("config error: --server is required")
		return 1
	}

	sink := notify.NewBufferedSink(64)
	sess := clientsession.New(chatclock.New(), sink, clientsession.DefaultHeartbeatInterval)
	if err := sess.Connect(*serverAddr, 5*time.Second); err != nil {
		log.Println("connect failed:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for event := range sink.Events() {
			log.Printf("event: kind=%d user=%q text=%q", event.Kind, event.Username, event.Text)
		}
	}()

	<-ctx.Done()
	log.Println("disconnecting")
	sess.Disconnect()
	return 0
}
