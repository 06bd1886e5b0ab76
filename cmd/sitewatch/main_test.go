package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestAwaitShutdown_Signal(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGTERM

	if err := awaitShutdown(sigs, make(chan error)); err != nil {
		t.Errorf("Expected nil on signal, got %v", err)
	}
}

func TestAwaitShutdown_ServerError(t *testing.T) {
	cause := errors.New("listen tcp: address in use")
	serverErr := make(chan error, 1)
	serverErr <- cause

	err := awaitShutdown(make(chan os.Signal), serverErr)
	if !errors.Is(err, cause) {
		t.Errorf("Expected server error to be returned, got %v", err)
	}
}

func TestStartServer_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	serverErr := startServer(&http.Server{Addr: ln.Addr().String()})

	done := make(chan error, 1)
	go func() { done <- awaitShutdown(make(chan os.Signal), serverErr) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected an error when the port is taken")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the server failure to end the wait")
	}
}

func TestStartServer_ShutdownIsClean(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	server := &http.Server{Addr: addr, Handler: http.NotFoundHandler()}
	serverErr := startServer(server)

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Server never started: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-serverErr:
		t.Errorf("Expected no error after Shutdown, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
