package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/classchat/internal/config"
	"github.com/classchat/internal/devserver"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

func main() {
	logger.SetPrefix("devserver")
	seed := flag.Bool("seed", true, "seed demo users and chats")
	flag.Parse()

	logger.Info("starting dev messaging backend")
	cfg := config.Load()

	srv := devserver.New(cfg.DevServer)
	if *seed {
		seedDemoData(srv.State())
	}

	httpSrv := &http.Server{
		Addr:         cfg.DevServer.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Infof("listening on %s", cfg.DevServer.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	srv.Shutdown()
	wg.Wait()
	logger.Info("server stopped")
}

// seedDemoData creates two users and a direct chat between them so the
// terminal client has something to talk to out of the box.
func seedDemoData(state *devserver.State) {
	teacher := state.AddUser("Asha Teacher", "teacher@example.com", "password", "teacher")
	student := state.AddUser("Sam Student", "student@example.com", "password", "student")

	chat := state.CreateChat(teacher.ID, model.ChatCreate{
		ChatType:       model.ChatTypeDirect,
		InitialMembers: []model.ChatMemberCreate{{UserID: student.ID, Role: "student"}},
	})
	state.AppendMessage(chat.ID, teacher.ID, "Welcome! Ask me anything about the course.", nil)

	logger.Infof("seeded users teacher@example.com / student@example.com (password: password), chat=%d", chat.ID)
}
