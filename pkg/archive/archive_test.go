package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/scope"
)

type fakeS3 struct {
	objects map[string]string
	types   map[string]string
	failKey string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if key == f.failKey {
		return nil, errors.New("access denied")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string]string)
		f.types = make(map[string]string)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+key] = string(body)
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func report(t *testing.T, files map[string]string, failed ...string) scope.TransferReport {
	t.Helper()
	dir := t.TempDir()
	r := scope.TransferReport{OutputDir: dir}
	for _, name := range []string{"run_001.csv", "run_002.csv", "run_003.csv"} {
		content, ok := files[name]
		if !ok {
			continue
		}
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		r.Outcomes = append(r.Outcomes, scope.TransferOutcome{Name: name, Path: p, Bytes: len(content)})
		r.Attempted++
		r.Succeeded++
	}
	for _, name := range failed {
		r.Outcomes = append(r.Outcomes, scope.TransferOutcome{Name: name, Err: errors.New("timeout")})
		r.Attempted++
	}
	return r
}

func TestArchiveUploadsSucceededFiles(t *testing.T) {
	client := &fakeS3{}
	u := NewWithClient(client, scope.ArchiveConfig{Bucket: "lab", Prefix: "/bench-3/"})

	rep := report(t, map[string]string{"run_001.csv": "a", "run_002.csv": "b"}, "run_009.csv")
	require.NoError(t, u.Archive(context.Background(), "20240514T093000Z", rep, ""))

	assert.Equal(t, map[string]string{
		"lab/bench-3/20240514T093000Z/run_001.csv": "a",
		"lab/bench-3/20240514T093000Z/run_002.csv": "b",
	}, client.objects)
	assert.Equal(t, "text/csv", client.types["bench-3/20240514T093000Z/run_001.csv"])
}

func TestArchiveReportsPerFileFailures(t *testing.T) {
	client := &fakeS3{failKey: "r1/run_002.csv"}
	u := NewWithClient(client, scope.ArchiveConfig{Bucket: "lab"})

	rep := report(t, map[string]string{"run_001.csv": "a", "run_002.csv": "b", "run_003.csv": "c"})
	err := u.Archive(context.Background(), "r1", rep, "")

	var uerr *UploadError
	require.True(t, errors.As(err, &uerr))
	require.Len(t, uerr.Failures, 1)
	assert.Equal(t, "run_002.csv", uerr.Failures[0].Name)
	assert.Equal(t, "r1/run_002.csv", uerr.Failures[0].Key)
	assert.Len(t, client.objects, 2, "other files still uploaded")
	assert.Contains(t, err.Error(), "1 upload(s) failed")
}

func TestArchiveMissingLocalFile(t *testing.T) {
	u := NewWithClient(&fakeS3{}, scope.ArchiveConfig{Bucket: "lab"})
	rep := scope.TransferReport{Outcomes: []scope.TransferOutcome{
		{Name: "gone.csv", Path: filepath.Join(t.TempDir(), "gone.csv")},
	}}

	err := u.Archive(context.Background(), "r1", rep, "")
	var uerr *UploadError
	require.True(t, errors.As(err, &uerr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestArchiveUploadsManifest(t *testing.T) {
	client := &fakeS3{}
	u := NewWithClient(client, scope.ArchiveConfig{Bucket: "lab"})

	rep := report(t, map[string]string{"run_001.csv": "a"})
	manifest := filepath.Join(rep.OutputDir, "transfer-report.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("run_id: r1\n"), 0o644))

	require.NoError(t, u.Archive(context.Background(), "r1", rep, manifest))
	assert.Equal(t, map[string]string{
		"lab/r1/run_001.csv":          "a",
		"lab/r1/transfer-report.yaml": "run_id: r1\n",
	}, client.objects)
	assert.Equal(t, "application/yaml", client.types["r1/transfer-report.yaml"])
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), scope.ArchiveConfig{})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	u := NewWithClient(&fakeS3{}, scope.ArchiveConfig{Bucket: "b"})
	assert.Equal(t, "run/x.csv", u.Key("run", "x.csv"))
}
