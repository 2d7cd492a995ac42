package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/framesnap/framesnap/internal/config"
)

// SFTPUploader keeps one SSH connection open across uploads and reconnects
// after a failure.
type SFTPUploader struct {
	remoteDir string
	logger    *slog.Logger
	dial      func(ctx context.Context) (*sftp.Client, io.Closer, error)

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer
	made   map[string]bool
}

func NewSFTP(cfg config.MirrorConfig, logger *slog.Logger) (*SFTPUploader, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("host and user are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg, err := sshConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	u := newSFTPUploader(cfg.RemoteDir, logger)
	u.dial = func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial tcp %s: %w", addr, err)
		}
		clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
		}
		sshClient := ssh.NewClient(clientConn, chans, reqs)
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, nil, fmt.Errorf("create sftp client: %w", err)
		}
		return client, sshClient, nil
	}
	return u, nil
}

func newSFTPUploader(remoteDir string, logger *slog.Logger) *SFTPUploader {
	if remoteDir == "" {
		remoteDir = "."
	}
	return &SFTPUploader{remoteDir: remoteDir, logger: logger, made: make(map[string]bool)}
}

func sshConfig(cfg config.MirrorConfig, logger *slog.Logger) (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	switch {
	case cfg.KeyFile != "":
		keyBytes, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case cfg.Password != "":
		auths = append(auths, ssh.Password(cfg.Password))
	default:
		return nil, errors.New("no auth method; set key_file or password")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		logger.Warn("sftp mirror does not verify the host key; set known_hosts_file")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	}, nil
}

func (u *SFTPUploader) connect(ctx context.Context) (*sftp.Client, error) {
	if u.client != nil {
		return u.client, nil
	}
	client, conn, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.client, u.conn = client, conn
	return client, nil
}

// drop closes a connection that returned an error so the next upload
// reconnects.
func (u *SFTPUploader) drop() {
	if u.client != nil {
		u.client.Close()
	}
	if u.conn != nil {
		u.conn.Close()
	}
	u.client, u.conn = nil, nil
	u.made = make(map[string]bool)
}

func (u *SFTPUploader) Upload(ctx context.Context, key string, r io.Reader, _ int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	client, err := u.connect(ctx)
	if err != nil {
		return err
	}
	remote := path.Join(u.remoteDir, key)
	if err := u.upload(client, remote, r); err != nil {
		u.drop()
		return err
	}
	return nil
}

func (u *SFTPUploader) upload(client *sftp.Client, remote string, r io.Reader) error {
	dir := path.Dir(remote)
	if !u.made[dir] {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("ensure remote dir %s: %w", dir, err)
		}
		u.made[dir] = true
	}

	f, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remote, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("copy to remote file %s: %w", remote, err)
	}
	return f.Close()
}

func (u *SFTPUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.drop()
	return nil
}
