package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/chat-rooms/internal/client"
	"github.com/whisper/chat-rooms/internal/loadstats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	serverURL   string
	secret      string
	total       int
	rampUp      time.Duration
	concurrency int
	userPrefix  string
}

// rampUp opens cfg.total connections spread over cfg.rampUp with at most
// cfg.concurrency attempts in flight. Slot i of the result is nil when that
// connection failed. setup, if set, runs on each connected client before it
// is counted.
func rampUp(ctx context.Context, cfg rampConfig, collector *loadstats.Collector, setup func(ctx context.Context, i int, c *client.Client) error) []*client.Client {
	clients := make([]*client.Client, cfg.total)

	interval := cfg.rampUp / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				snap := collector.Snapshot()
				rate := float64(snap.Connections-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					snap.Connections, cfg.total, snap.Errors, rate)
				last, lastTime = snap.Connections, now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			token, err := tokenFor(cfg.secret, fmt.Sprintf("%s-%d", cfg.userPrefix, i))
			if err != nil {
				collector.AddError()
				return
			}
			c := client.New(client.Config{ServerURL: cfg.serverURL, Token: token})

			began := time.Now()
			if err := c.Connect(connCtx); err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				if err := setup(connCtx, i, c); err != nil {
					collector.AddError()
					c.Close()
					return
				}
			}
			collector.AddConnect(time.Since(began))
			clients[i] = c
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	snap := collector.Snapshot()
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		snap.Connections, cfg.total, time.Since(start).Round(time.Millisecond), snap.Errors)
	return clients
}

// hold waits for d or ctx, printing how many connections are still alive.
func hold(ctx context.Context, d time.Duration, clients []*client.Client) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-status.C:
			alive, total := countAlive(clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
		}
	}
}

func countAlive(clients []*client.Client) (alive, total int) {
	for _, c := range clients {
		if c == nil {
			continue
		}
		total++
		select {
		case <-c.Dropped():
		default:
			alive++
		}
	}
	return alive, total
}

func closeAll(clients []*client.Client) {
	n := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			n++
		}
	}
	fmt.Printf("Closed %d connections.\n", n)
}
