package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// hospitalDB is the throwaway Postgres the suite runs against when no
// INTEGRATION_DATABASE_URL is given.
var hospitalDB = struct {
	image, user, password, name string
	ready                       time.Duration
}{
	image:    "postgres:16-alpine",
	user:     "hms",
	password: "hms",
	name:     "hms_integration",
	ready:    30 * time.Second,
}

// startPostgresContainer runs the database through the Docker CLI on a port
// Docker picks, and returns its URL plus a cleanup that removes it.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	name := "hms-it-" + uuid.NewString()[:8]
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER="+hospitalDB.user,
		"-e", "POSTGRES_PASSWORD="+hospitalDB.password,
		"-e", "POSTGRES_DB="+hospitalDB.name,
		hospitalDB.image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	cleanup := func() { exec.Command("docker", "rm", "-f", name).Run() }

	addr, err := exec.CommandContext(ctx, "docker", "port", name, "5432/tcp").Output()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("docker port: %w", err)
	}
	// "docker port" may list several bindings; the first is ours.
	hostPort := strings.TrimSpace(strings.SplitN(string(addr), "\n", 2)[0])

	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		hospitalDB.user, hospitalDB.password, hostPort, hospitalDB.name)
	if err := waitForPostgres(ctx, url, hospitalDB.ready); err != nil {
		cleanup()
		return "", nil, err
	}
	return url, cleanup, nil
}

// waitForPostgres retries a single connection with growing pauses until the
// server answers or timeout passes.
func waitForPostgres(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pause := 100 * time.Millisecond
	for {
		conn, err := pgx.Connect(ctx, url)
		if err == nil {
			err = conn.Ping(ctx)
			conn.Close(ctx)
			if err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, err)
		case <-time.After(pause):
		}
		if pause < time.Second {
			pause *= 2
		}
	}
}
