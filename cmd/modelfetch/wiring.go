package main

import (
	"fmt"
	"net/http"

	"github.com/italolelis/modelfetch/internal/config"
	"github.com/italolelis/modelfetch/internal/resolver"
	"github.com/italolelis/modelfetch/internal/telemetry"
	"github.com/italolelis/modelfetch/internal/transfer"
)

// buildTransport creates the resolver and the HTTP client that dials through it.
func buildTransport(cfg *config.Config, tel *telemetry.Telemetry) (*resolver.Resolver, *http.Client, error) {
	hosts, err := cfg.StaticHosts()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse static hosts: %w", err)
	}

	res := resolver.New(
		resolver.Policy{
			MaxRetries:     cfg.Resolver.MaxRetries,
			InitialDelay:   cfg.Resolver.InitialDelay,
			MaxDelay:       cfg.Resolver.MaxDelay,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
		},
		resolver.WithNameservers(cfg.Resolver.Nameservers),
		resolver.WithStaticHosts(hosts),
		resolver.WithTelemetry(tel),
	)

	client := transfer.NewClient(res.DialContext, transfer.ClientOptions{
		ConnectTimeout:        cfg.Transport.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Transport.ResponseHeaderTimeout,
		ReadTimeout:           cfg.Transport.ReadTimeout,
		WriteTimeout:          cfg.Transport.WriteTimeout,
	})

	return res, client, nil
}
