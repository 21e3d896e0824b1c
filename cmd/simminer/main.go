// Package main implements simminer, a simulated client that authenticates
// against minerd and brute-forces share nonces with a worker pool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bardlex/xenohash/internal/notify"
	"github.com/bardlex/xenohash/pkg/log"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	logger := log.New("simminer", "dev", cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	if cfg.ZMQ != "" {
		go followRounds(ctx, cfg.ZMQ, logger)
	}

	miner := NewMiner(cfg, logger)
	if err := miner.Run(ctx); err != nil {
		logger.WithError(err).Error("miner failed")
		os.Exit(1)
	}
	logger.Info("miner stopped", "submitted", miner.Submitted(), "accepted", miner.Accepted())
}

// followRounds logs every hashround notification until ctx is done.
func followRounds(ctx context.Context, endpoint string, logger *log.Logger) {
	sub, err := notify.NewSubscriber(endpoint, logger)
	if err != nil {
		logger.WithError(err).Warn("zmq subscriber unavailable")
		return
	}
	defer func() { _ = sub.Close() }()

	if err := sub.Subscribe(notify.TopicHashRound); err != nil {
		logger.WithError(err).Warn("zmq subscribe failed")
		return
	}
	if err := sub.Connect(); err != nil {
		logger.WithError(err).Warn("zmq connect failed")
		return
	}

	_ = sub.Listen(ctx, func(_ string, body []byte, seq uint32) error {
		hash, err := notify.DecodeHashRound(body)
		if err != nil {
			return err
		}
		logger.Info("round notification", "hash", hash, "sequence", seq)
		return nil
	})
}
