package storage

import (
	"context"
	"fmt"
	"os"
)

// Credentials is the key material a backend needs to reach a location.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// CredentialProvider is an opaque, swappable source of credentials.
// How the material is acquired (SAS, OAuth, key vault) is up to the implementation.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials serves fixed keys, typically read from configuration.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// EnvCredentials reads credentials from environment variables at call time.
type EnvCredentials struct {
	AccessKeyVar    string
	SecretKeyVar    string
	SessionTokenVar string
}

func (e EnvCredentials) Credentials(context.Context) (Credentials, error) {
	creds := Credentials{
		AccessKey: os.Getenv(e.AccessKeyVar),
		SecretKey: os.Getenv(e.SecretKeyVar),
	}
	if e.SessionTokenVar != "" {
		creds.SessionToken = os.Getenv(e.SessionTokenVar)
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("credentials not set in %s/%s", e.AccessKeyVar, e.SecretKeyVar)
	}
	return creds, nil
}

func resolveCredentials(ctx context.Context, p CredentialProvider) (Credentials, bool, error) {
	if p == nil {
		return Credentials{}, false, nil
	}
	creds, err := p.Credentials(ctx)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("resolve credentials: %w", err)
	}
	return creds, true, nil
}
