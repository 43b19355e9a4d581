// Copyright 2021-present The Atlas Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package sqlclient opens database clients by their URL. Drivers register
// an Opener for their URL schemes, usually in their init functions.
package sqlclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/idxctl/idxctl/sql/migrate"
	"github.com/idxctl/idxctl/sql/schema"
)

type (
	// Client provides the common functionalities for working with the database
	// from the different commands. Note, the Client is dialect specific and
	// should be instantiated using a call to Open.
	Client struct {
		// Name used when creating the client.
		Name string

		// DB used for creating the client.
		DB *sql.DB
		// URL holds an enriched url.URL.
		URL *URL

		// A migration driver for the attached dialect.
		migrate.Driver

		// openDriver opens a driver on a transaction.
		openDriver func(schema.ExecQuerier) (migrate.Driver, error)
	}

	// TxClient is returned by calling Client.Tx. It behaves the same as Client,
	// but wraps all operations within a transaction.
	TxClient struct {
		*Client

		// Tx holds the underlying transaction.
		Tx *sql.Tx
	}

	// URL extends the standard url.URL with additional
	// connection information attached by the Opener (if any).
	URL struct {
		*url.URL

		// The DSN used for opening the connection.
		DSN string `json:"-"`

		// The Schema this client is connected to.
		Schema string
	}
)

// Tx returns a transactional client. Drivers that are opened on a transaction
// refuse to run statements that cannot run inside a transaction block.
func (c *Client) Tx(ctx context.Context, opts *sql.TxOptions) (*TxClient, error) {
	if c.openDriver == nil {
		return nil, errors.New("sql/sqlclient: unexpected driver opener: <nil>")
	}
	tx, err := c.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sql/sqlclient: starting transaction: %w", err)
	}
	drv, err := c.openDriver(tx)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = fmt.Errorf("%w: %v", err, rerr)
		}
		return nil, fmt.Errorf("sql/sqlclient: opening driver: %w", err)
	}
	return &TxClient{
		Client: &Client{
			Name:       c.Name,
			DB:         c.DB,
			URL:        c.URL,
			Driver:     drv,
			openDriver: c.openDriver,
		},
		Tx: tx,
	}, nil
}

// Commit the transaction.
func (c *TxClient) Commit() error {
	return c.Tx.Commit()
}

// Rollback the transaction.
func (c *TxClient) Rollback() error {
	return c.Tx.Rollback()
}

// Close closes the underlying database connection and the migration
// driver in case it implements the io.Closer interface.
func (c *Client) Close() (err error) {
	for _, closer := range []any{c.Driver, c.DB} {
		if c, ok := closer.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				if err != nil {
					cerr = fmt.Errorf("%w: %v", err, cerr)
				}
				err = cerr
			}
		}
	}
	return err
}

type (
	// Opener opens a migration driver by the given URL.
	Opener interface {
		Open(ctx context.Context, u *url.URL) (*Client, error)
	}

	// OpenerFunc allows using a function as an Opener.
	OpenerFunc func(context.Context, *url.URL) (*Client, error)

	// URLParser parses an url.URL into an enriched URL and attaches
	// additional info to it.
	URLParser interface {
		ParseURL(*url.URL) *URL
	}

	// URLParserFunc allows using a function as an URLParser.
	URLParserFunc func(*url.URL) *URL

	driver struct {
		Opener
		name       string
		parser     URLParser
		openDriver func(schema.ExecQuerier) (migrate.Driver, error)
	}
)

var drivers sync.Map

// Open calls f(ctx, u).
func (f OpenerFunc) Open(ctx context.Context, u *url.URL) (*Client, error) {
	return f(ctx, u)
}

// ParseURL calls f(u).
func (f URLParserFunc) ParseURL(u *url.URL) *URL {
	return f(u)
}

// Open opens a client by its provided url string.
func Open(ctx context.Context, s string) (*Client, error) {
	u, err := ParseURL(s)
	if err != nil {
		return nil, err
	}
	return OpenURL(ctx, u)
}

// ParseURL parses the given url string.
func ParseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("sql/sqlclient: parse open url: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("sql/sqlclient: missing driver in url %q. e.g. postgres://", u.Redacted())
	}
	return u, nil
}

// OpenURL opens a client by its provided url.
func OpenURL(ctx context.Context, u *url.URL) (*Client, error) {
	v, ok := drivers.Load(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("sql/sqlclient: no opener was registered with name %q", u.Scheme)
	}
	drv := v.(*driver)
	client, err := drv.Open(ctx, u)
	if err != nil {
		return nil, err
	}
	if client.URL == nil {
		client.URL = drv.parser.ParseURL(u)
	}
	if client.openDriver == nil {
		client.openDriver = drv.openDriver
	}
	return client, nil
}

type (
	registerOptions struct {
		flavours   []string
		parser     URLParser
		openDriver func(schema.ExecQuerier) (migrate.Driver, error)
	}
	// RegisterOption allows configuring the Opener
	// registration using functional options.
	RegisterOption func(*registerOptions)
)

// RegisterFlavours allows registering additional flavours
// (i.e. names), accepted by the client to open drivers.
func RegisterFlavours(flavours ...string) RegisterOption {
	return func(opts *registerOptions) {
		opts.flavours = flavours
	}
}

// RegisterURLParser allows registering a function for parsing
// the url.URL and attach additional info to the extended URL.
func RegisterURLParser(p URLParser) RegisterOption {
	return func(opts *registerOptions) {
		opts.parser = p
	}
}

// RegisterDriverOpener registers a func to Opener used for opening the
// driver on a transaction. See Client.Tx.
func RegisterDriverOpener(open func(schema.ExecQuerier) (migrate.Driver, error)) RegisterOption {
	return func(opts *registerOptions) {
		opts.openDriver = open
	}
}

// DriverOpener is a helper Opener creator for sharing between all drivers.
// The sqlDriver holds the name of the database/sql driver to open.
func DriverOpener(open func(schema.ExecQuerier) (migrate.Driver, error), sqlDriver string) Opener {
	return OpenerFunc(func(_ context.Context, u *url.URL) (*Client, error) {
		v, ok := drivers.Load(u.Scheme)
		if !ok {
			return nil, fmt.Errorf("sql/sqlclient: unexpected missing opener %q", u.Scheme)
		}
		drv := v.(*driver)
		ur := drv.parser.ParseURL(u)
		db, err := sql.Open(sqlDriver, ur.DSN)
		if err != nil {
			return nil, err
		}
		mdr, err := open(db)
		if err != nil {
			if cerr := db.Close(); cerr != nil {
				err = fmt.Errorf("%w: %v", err, cerr)
			}
			return nil, err
		}
		return &Client{
			Name:       drv.name,
			DB:         db,
			URL:        ur,
			Driver:     mdr,
			openDriver: open,
		}, nil
	})
}

// Register registers a client Opener (i.e. creator) with the given name.
func Register(name string, opener Opener, opts ...RegisterOption) {
	if opener == nil {
		panic("sql/sqlclient: Register opener is nil")
	}
	opt := &registerOptions{
		// Default URL parser uses the URL as the DSN.
		parser: URLParserFunc(func(u *url.URL) *URL { return &URL{URL: u, DSN: u.String()} }),
	}
	for i := range opts {
		opts[i](opt)
	}
	drv := &driver{
		Opener:     opener,
		name:       name,
		parser:     opt.parser,
		openDriver: opt.openDriver,
	}
	for _, f := range append(opt.flavours, name) {
		if _, ok := drivers.Load(f); ok {
			panic("sql/sqlclient: Register called twice for " + f)
		}
		drivers.Store(f, drv)
	}
}
