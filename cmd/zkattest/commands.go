package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/oraculo/zkattest/internal/config"
	"github.com/oraculo/zkattest/internal/node"
	"github.com/oraculo/zkattest/pkg/address"
	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/compress"
	"github.com/oraculo/zkattest/pkg/issuers"
	"github.com/oraculo/zkattest/pkg/zkproof"
)

// CLI runs commands against a locally opened attestation node.
type CLI struct {
	cfg    *config.Config
	logger *slog.Logger
	node   *node.Node
	output io.Writer
	now    func() time.Time
}

// NewCLI creates a CLI. The node is opened on first use.
func NewCLI(cfg *config.Config, logger *slog.Logger) *CLI {
	return &CLI{
		cfg:    cfg,
		logger: logger,
		output: os.Stdout,
		now:    time.Now,
	}
}

// SetOutput sets the output writer for the CLI.
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Close releases the node.
func (c *CLI) Close() error {
	if c.node == nil {
		return nil
	}
	err := c.node.Close()
	c.node = nil
	return err
}

func (c *CLI) open() (*node.Node, error) {
	if c.node != nil {
		return c.node, nil
	}
	n, err := node.Open(c.cfg, node.Options{Logger: c.logger})
	if err != nil {
		return nil, err
	}
	c.node = n
	return n, nil
}

func (c *CLI) openWithCircuits() (*node.Node, error) {
	n, err := c.open()
	if err != nil {
		return nil, err
	}
	if n.AgeCircuit == nil {
		if err := n.LoadCircuits(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (c *CLI) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Init creates the verifier config with the admin keypair at keyPath (created
// if missing) and the issuer list at issuersPath.
func (c *CLI) Init(ctx context.Context, keyPath, issuersPath string) error {
	admin, created, err := node.LoadOrCreateKeypair(keyPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(c.output, "Created admin keypair %s\n", keyPath)
	}

	set, err := issuers.LoadFile(issuersPath)
	if err != nil {
		return err
	}

	n, err := c.open()
	if err != nil {
		return err
	}
	cfg, err := n.Policy.Init(ctx, admin.Public, set.Root(), c.cfg.Policy.Version)
	if err != nil {
		return fmt.Errorf("init verifier config: %w", err)
	}

	fmt.Fprintf(c.output, "Verifier config initialized\n")
	fmt.Fprintf(c.output, "  Admin:    %s\n", cfg.Admin)
	fmt.Fprintf(c.output, "  Root:     %s (%d issuers)\n", cfg.AllowedIssuersRoot, set.Len())
	fmt.Fprintf(c.output, "  Version:  %d\n", cfg.Version)
	return nil
}

// Rotate replaces the allowed issuers root with the root of issuersPath,
// signing as the keypair at keyPath.
func (c *CLI) Rotate(ctx context.Context, keyPath, issuersPath string) error {
	caller, err := node.LoadKeypair(keyPath)
	if err != nil {
		return err
	}
	set, err := issuers.LoadFile(issuersPath)
	if err != nil {
		return err
	}

	n, err := c.open()
	if err != nil {
		return err
	}
	cfg, err := n.Policy.RotateIssuersRoot(ctx, caller.Public, set.Root())
	if err != nil {
		return fmt.Errorf("rotate issuers root: %w", err)
	}

	fmt.Fprintf(c.output, "Issuers root rotated to %s (%d issuers)\n", cfg.AllowedIssuersRoot, set.Len())
	return nil
}

// ShowConfig prints the verifier config.
func (c *CLI) ShowConfig(ctx context.Context) error {
	n, err := c.open()
	if err != nil {
		return err
	}
	cfg, err := n.Policy.Get(ctx)
	if err != nil {
		return fmt.Errorf("load verifier config: %w", err)
	}
	return c.printJSON(cfg)
}

// ProveOptions describes an age proof to generate.
type ProveOptions struct {
	Subject   string
	Age       uint64
	Threshold uint64
	Issuer    string
	ExpiresIn time.Duration
	// Nonce is hex; empty generates a random nonce.
	Nonce string
}

// ProveAge generates an age proof and prints a complete verify request. The
// request's predicate is the one the threshold proves, age>=<threshold>.
func (c *CLI) ProveAge(ctx context.Context, opts ProveOptions) error {
	subject, err := attest.ParseIdentity(opts.Subject)
	if err != nil {
		return err
	}

	var nonce attest.Nonce
	if opts.Nonce == "" {
		nonce, err = attest.NewNonce()
	} else {
		nonce, err = attest.ParseNonce(opts.Nonce)
	}
	if err != nil {
		return err
	}

	issuer := commitment(opts.Issuer)
	set, err := issuers.LoadFile(c.cfg.Policy.IssuersFile)
	if err != nil {
		return err
	}
	membership, err := set.Prove(issuer)
	if err != nil {
		return fmt.Errorf("issuer %q: %w", opts.Issuer, err)
	}

	n, err := c.openWithCircuits()
	if err != nil {
		return err
	}
	proof, err := zkproof.NewAgeProver(n.AgeCircuit).Prove(zkproof.AgeStatement{
		Age:       opts.Age,
		Threshold: opts.Threshold,
		Subject:   subject,
		Nonce:     nonce,
	})
	if err != nil {
		return err
	}

	return c.printJSON(&attest.VerifyRequest{
		Version:       c.cfg.Policy.Version,
		VKID:          proof.VKID,
		PredicateHash: attest.AgePredicateHash(opts.Threshold),
		IssuerHash:    issuer,
		ExpiresAt:     attest.Unix(c.now().Add(opts.ExpiresIn)),
		Nonce:         nonce,
		PublicInputs:  proof.PublicInputs,
		Proof:         proof.Proof,
		IssuerProof:   membership,
	})
}

// Verify submits the request at requestPath on behalf of subject and prints
// the resulting attestation.
func (c *CLI) Verify(ctx context.Context, subject, requestPath string) error {
	id, err := attest.ParseIdentity(subject)
	if err != nil {
		return err
	}
	var req attest.VerifyRequest
	if err := readJSON(requestPath, &req); err != nil {
		return err
	}

	n, err := c.openWithCircuits()
	if err != nil {
		return err
	}
	res, err := n.Engine.Verify(ctx, id, &req)
	if err != nil {
		return err
	}
	return c.printJSON(res.Attestation)
}

// Fetch prints the attestation of subject for predicate.
func (c *CLI) Fetch(ctx context.Context, subject, predicate string) error {
	id, err := attest.ParseIdentity(subject)
	if err != nil {
		return err
	}
	n, err := c.open()
	if err != nil {
		return err
	}
	att, err := n.Attestations.Fetch(ctx, id, commitment(predicate))
	if err != nil {
		return err
	}

	if err := c.printJSON(att); err != nil {
		return err
	}
	if !att.IsLive(attest.Unix(c.now())) {
		fmt.Fprintln(c.output, "Attestation is not live")
	}
	return nil
}

// Revoke revokes the caller's own attestation for predicate.
func (c *CLI) Revoke(ctx context.Context, keyPath, predicate string) error {
	caller, err := node.LoadKeypair(keyPath)
	if err != nil {
		return err
	}
	n, err := c.open()
	if err != nil {
		return err
	}
	if err := n.Attestations.Revoke(ctx, caller.Public, commitment(predicate)); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Attestation revoked for %s\n", caller.Public)
	return nil
}

// Address prints a derived ledger address. kind is config, attestation or
// nonce; attestation and nonce take a subject and a predicate or nonce.
func (c *CLI) Address(kind string, args []string) error {
	d, err := address.NewDeriver(c.cfg.Program.ID)
	if err != nil {
		return err
	}

	switch kind {
	case "config":
		addr, err := d.Config()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.output, addr)
		return nil
	case "attestation", "nonce":
		if len(args) != 2 {
			return fmt.Errorf("address %s takes a subject and a value", kind)
		}
		subject, err := attest.ParseIdentity(args[0])
		if err != nil {
			return err
		}
		if kind == "attestation" {
			addr, err := d.Attestation(subject, commitment(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.output, addr)
			return nil
		}
		nonce, err := attest.ParseNonce(args[1])
		if err != nil {
			return err
		}
		addr, err := d.Nonce(subject, nonce)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.output, addr)
		return nil
	default:
		return fmt.Errorf("unknown address kind %q", kind)
	}
}

// Compress proves the claims at claimsPath as one batch and prints the bundle.
// Without a usable prover the placeholder bundle is printed and the error
// returned.
func (c *CLI) Compress(ctx context.Context, claimsPath string) error {
	var claims []compress.Claim
	if err := readJSON(claimsPath, &claims); err != nil {
		return err
	}

	n, err := c.openWithCircuits()
	if err != nil {
		return err
	}
	bundle, err := n.Compressor().Compress(ctx, claims)
	if err != nil {
		var unavailable *compress.BackendUnavailableError
		if errors.As(err, &unavailable) {
			_ = c.printJSON(unavailable.Placeholder)
		}
		return err
	}
	return c.printJSON(bundle)
}

// VerifyBundle checks the bundle at bundlePath.
func (c *CLI) VerifyBundle(ctx context.Context, bundlePath string) error {
	var bundle compress.Bundle
	if err := readJSON(bundlePath, &bundle); err != nil {
		return err
	}
	n, err := c.openWithCircuits()
	if err != nil {
		return err
	}
	if err := n.Engine.VerifyBundle(ctx, &bundle); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Bundle valid: %d claims, hash %s\n", bundle.BatchSize, bundle.CompressedHash)
	return nil
}

// Savings prints the cost estimate for a batch of size claims.
func (c *CLI) Savings(size int) error {
	if size < 1 || size > compress.MaxBatch {
		return fmt.Errorf("batch size must be between 1 and %d", compress.MaxBatch)
	}
	return c.printJSON(compress.EstimateSavings(size))
}

// commitment reads a 64-character hex string as a hash and commits anything
// else as sha256 of the string, the same rule the issuer list uses.
func commitment(s string) attest.Hash256 {
	if len(s) == 2*attest.HashLength {
		if h, err := attest.ParseHash256(s); err == nil {
			return h
		}
	}
	return attest.HashString(s)
}

func readJSON(path string, v interface{}) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
