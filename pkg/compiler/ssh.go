package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// SSHConfig describes a remote build host.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// PrivateKey is a PEM key; when empty and no password is set the
	// usual keys under ~/.ssh are tried.
	PrivateKey     string
	KnownHostsFile string
	// Command runs inside the per-build remote directory.
	Command   string
	RemoteDir string
}

// SSHCompiler runs builds on a remote host: it uploads the manifest over
// sftp, runs the bundle command in a per-build directory and downloads the
// output.
type SSHCompiler struct {
	cfg    SSHConfig
	client *ssh.ClientConfig
	logger *slog.Logger
}

// NewSSH validates cfg and prepares client authentication.
func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSHCompiler, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("ssh compiler: host and command are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/tmp/bundlecdn"
	}
	if logger == nil {
		logger = slog.Default()
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	var hostKey ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		hostKey, err = knownhosts.New(expandHome(cfg.KnownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else {
		logger.Warn("ssh compiler has no known_hosts file, host keys are not verified", "host", cfg.Host)
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	return &SSHCompiler{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         30 * time.Second,
		},
		logger: logger,
	}, nil
}

func (c *SSHCompiler) Compile(ctx context.Context, spec bundle.BuildSpec) (bundle.Artifact, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	client, err := ssh.Dial("tcp", addr, c.client)
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	manifest := NewManifest(spec)
	dir := path.Join(c.cfg.RemoteDir, uuid.NewString())
	defer func() {
		if _, err := runCommand(context.Background(), client, "rm -rf "+shellQuote(dir)); err != nil {
			c.logger.Error("remove remote build directory", "dir", dir, "error", err)
		}
	}()

	data, err := json.Marshal(manifest)
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestPath := path.Join(dir, manifestFile)
	if err := pushFile(sftpClient, manifestPath, data, 0o644); err != nil {
		return bundle.Artifact{}, fmt.Errorf("upload manifest: %w", err)
	}

	outputPath := path.Join(dir, outputFile)
	assignments := append(manifest.Env(), "BUNDLE_MANIFEST="+manifestPath, "BUNDLE_OUTPUT="+outputPath)
	var script strings.Builder
	script.WriteString("cd " + shellQuote(dir) + " &&")
	for _, kv := range assignments {
		name, value, _ := strings.Cut(kv, "=")
		script.WriteString(" " + name + "=" + shellQuote(value))
	}
	script.WriteString(" sh -c " + shellQuote(c.cfg.Command))

	if _, err := runCommand(ctx, client, script.String()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return bundle.Artifact{}, ctxErr
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return bundle.Artifact{}, ParseFailure(err.Error(), spec)
		}
		return bundle.Artifact{}, fmt.Errorf("run remote build: %w", err)
	}

	body, err := fetchFile(sftpClient, outputPath)
	if err != nil {
		return bundle.Artifact{}, fmt.Errorf("download bundle: %w", err)
	}
	if len(body) == 0 {
		return bundle.Artifact{}, bundle.CompileFailed("compiler produced an empty bundle", "")
	}
	return bundle.NewArtifact(manifest.Key, body, bundle.DefaultContentType, time.Now()), nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func pushFile(client *sftp.Client, remotePath string, data []byte, perm os.FileMode) error {
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}
	file, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func fetchFile(client *sftp.Client, remotePath string) ([]byte, error) {
	file, err := client.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, maxRemoteBundle))
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
