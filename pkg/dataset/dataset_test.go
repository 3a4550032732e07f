package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/xuri/excelize/v2"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, p, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

type countingStore struct {
	Store
	opens atomic.Int32
}

func (s *countingStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.opens.Add(1)
	return s.Store.Open(ctx, key)
}

func newLoader(t *testing.T, store Store) *Loader {
	t.Helper()
	l, err := NewLoader(&LoaderConfig{Logger: testLogger(), Store: store})
	require.NoError(t, err)
	return l
}

func TestDataset_LoadByArtifactKey(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "u1", "projects.csv"), "project,contract_amount\nBridge,1200\nTunnel,5400\n", time.Now())

	store, err := NewLocalStore(root)
	require.NoError(t, err)
	counting := &countingStore{Store: store}
	l := newLoader(t, counting)

	src := smartquery.Source{ID: "f1", DisplayName: "projects.csv", ArtifactKey: "u1/projects.csv"}
	f, err := l.Load(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"project", "contract_amount"}, f.Columns)
	require.Equal(t, 2, f.Len())

	_, err = l.Load(context.Background(), src)
	require.NoError(t, err)
	require.EqualValues(t, 1, counting.opens.Load(), "second load is served from cache")
}

func TestDataset_LoadByDisplayNamePicksMostRecent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, filepath.Join(root, "a", "Sales.csv"), "region,total\nnorth,1\n", old)
	writeFile(t, filepath.Join(root, "b", "sales.csv"), "region,total\nsouth,2\n", time.Now())
	writeFile(t, filepath.Join(root, "b", "other.csv"), "x\n1\n", time.Now())

	store, err := NewLocalStore(root)
	require.NoError(t, err)
	l := newLoader(t, store)

	f, err := l.Load(context.Background(), smartquery.Source{ID: "s", DisplayName: "sales"})
	require.NoError(t, err)
	require.Equal(t, "south", f.Rows[0][0])
}

func TestDataset_LoadXLSXSheet(t *testing.T) {
	t.Parallel()

	wb := excelize.NewFile()
	require.NoError(t, wb.SetSheetName("Sheet1", "2023"))
	_, err := wb.NewSheet("2024")
	require.NoError(t, err)
	require.NoError(t, wb.SetCellValue("2023", "A1", "project"))
	require.NoError(t, wb.SetCellValue("2023", "A2", "Old"))
	require.NoError(t, wb.SetCellValue("2024", "A1", "project"))
	require.NoError(t, wb.SetCellValue("2024", "A2", "New"))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "projects.xlsx"), buf.Bytes(), 0o644))
	store, err := NewLocalStore(root)
	require.NoError(t, err)
	l := newLoader(t, store)

	f, err := l.Load(context.Background(), smartquery.Source{ID: "x", ArtifactKey: "projects.xlsx"})
	require.NoError(t, err)
	require.Equal(t, "Old", f.Rows[0][0], "first sheet by default")

	f, err = l.Load(context.Background(), smartquery.Source{ID: "x", ArtifactKey: "projects.xlsx", Sheet: "2024"})
	require.NoError(t, err)
	require.Equal(t, "New", f.Rows[0][0])
}

func TestDataset_Errors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.txt"), "hello", time.Now())
	store, err := NewLocalStore(root)
	require.NoError(t, err)
	l := newLoader(t, store)

	_, err = l.Load(context.Background(), smartquery.Source{ID: "n", ArtifactKey: "notes.txt"})
	require.ErrorContains(t, err, "unsupported file type")

	_, err = l.Load(context.Background(), smartquery.Source{ID: "m", DisplayName: "missing.csv"})
	require.ErrorContains(t, err, "no uploaded file named missing.csv")

	_, err = l.Load(context.Background(), smartquery.Source{ID: "e", ArtifactKey: "../etc/passwd.csv"})
	require.ErrorContains(t, err, "invalid artifact key")

	_, err = NewLocalStore(filepath.Join(root, "notes.txt"))
	require.ErrorContains(t, err, "is not a directory")
}

func TestDataset_MatchesName(t *testing.T) {
	t.Parallel()

	require.True(t, matchesName("Sales.XLSX", "sales.xlsx"))
	require.True(t, matchesName("sales.csv", "Sales"))
	require.False(t, matchesName("sales.csv", "sales.xlsx"))
	require.False(t, matchesName("sales_2024.csv", "sales"))
}

func TestDataset_S3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	minioContainer, err := minio.Run(ctx, "minio/minio:latest",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer func() {
		if err := minioContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup minio container: %v", err)
		}
	}()

	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)

	store, err := NewS3Store(ctx, &S3StoreConfig{
		Bucket:          "uploads",
		Prefix:          "tenant-1/",
		Endpoint:        fmt.Sprintf("http://%s:%s", host, port.Port()),
		AccessKeyID:     minioContainer.Username,
		SecretAccessKey: minioContainer.Password,
	})
	require.NoError(t, err)

	_, err = store.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("uploads")})
	require.NoError(t, err)
	for _, key := range []string{"tenant-1/2024/orders.csv", "tenant-1/2025/orders.csv", "tenant-2/orders.csv"} {
		_, err = store.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String("uploads"),
			Key:    aws.String(key),
			Body:   bytes.NewReader([]byte("customer_id,amount\n1," + strings.Split(key, "/")[1][:4] + "\n")),
		})
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond)
	}

	found, err := store.Find(ctx, "orders.csv")
	require.NoError(t, err)
	require.Len(t, found, 2)

	l := newLoader(t, store)
	f, err := l.Load(ctx, smartquery.Source{ID: "o", DisplayName: "orders.csv"})
	require.NoError(t, err)
	require.Equal(t, []string{"customer_id", "amount"}, f.Columns)
	require.Equal(t, int64(2025), f.Rows[0][1])
}
