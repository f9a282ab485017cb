// Package broker is the composition root: it builds the verifier, the token
// exchange service, the middleware and the downstream transports in
// dependency order and hands out explicit references. There is no ambient
// registry; configuration values must be fully resolved before New is
// called.
package broker

import (
	"context"
	"fmt"

	"github.com/sistemas-fsa/authz/pkg/auth/token"
	"github.com/sistemas-fsa/authz/pkg/authz"
	"github.com/sistemas-fsa/authz/pkg/config"
	"github.com/sistemas-fsa/authz/pkg/downstream"
	"github.com/sistemas-fsa/authz/pkg/tokenexchange"
)

// Broker bundles the constructed authentication and token brokerage
// components of one service.
type Broker struct {
	// Verifier validates inbound bearer tokens.
	Verifier *token.Verifier

	// Exchange supplies outbound credentials.
	Exchange *tokenexchange.Service

	// Middleware runs the inbound authentication pipeline.
	Middleware *authz.Middleware

	downstreams map[string]*downstream.Client
}

// New builds a broker from a fully resolved configuration.
func New(ctx context.Context, cfg *config.Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	verifier, err := token.NewVerifier(ctx, token.VerifierConfig{
		Issuer:          cfg.Realm.IssuerURL,
		Audience:        cfg.Realm.Audience,
		ClockSkew:       cfg.Realm.ClockTolerance,
		TenantIDClaim:   cfg.Realm.TenantIDClaim,
		TenantCodeClaim: cfg.Realm.TenantCodeClaim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build verifier: %w", err)
	}

	exchangeClient, err := tokenexchange.NewClient(tokenexchange.ClientConfig{
		RealmURL:     cfg.Realm.IssuerURL,
		ClientID:     cfg.Realm.ClientID,
		ClientSecret: cfg.Realm.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build token endpoint client: %w", err)
	}

	exchange := tokenexchange.NewService(exchangeClient, cfg.Realm.CacheClockSkew)

	var defaults *authz.Policy
	if len(cfg.Policy.AllowedAzp) > 0 || cfg.Policy.RequireTenantData {
		defaults = &authz.Policy{
			AllowedAzp:        cfg.Policy.AllowedAzp,
			RequireTenantData: cfg.Policy.RequireTenantData,
		}
	}

	factory := downstream.NewFactory(exchange, nil)
	downstreams := make(map[string]*downstream.Client, len(cfg.Downstreams))
	for _, def := range cfg.Downstreams {
		client, err := factory.Build(def)
		if err != nil {
			return nil, fmt.Errorf("failed to build downstream %s: %w", def.Name, err)
		}
		downstreams[def.Name] = client
	}

	return &Broker{
		Verifier:    verifier,
		Exchange:    exchange,
		Middleware:  authz.NewMiddleware(verifier, defaults),
		downstreams: downstreams,
	}, nil
}

// Downstream returns the built client for a configured dependency.
func (b *Broker) Downstream(name string) (*downstream.Client, error) {
	client, ok := b.downstreams[name]
	if !ok {
		return nil, fmt.Errorf("downstream %q is not configured", name)
	}
	return client, nil
}
