package s3blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

type fakeObjects struct {
	pages   [][]types.Object
	bodies  map[string]string
	headErr error
	calls   int
}

func (f *fakeObjects) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	i := f.calls
	f.calls++
	out := &s3.ListObjectsV2Output{Contents: f.pages[i], IsTruncated: aws.Bool(i < len(f.pages)-1)}
	if i < len(f.pages)-1 {
		out.NextContinuationToken = aws.String("page-" + string(rune('1'+i)))
	}
	return out, nil
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.bodies[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeObjects) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.bodies[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func object(key string, at time.Time) types.Object {
	return types.Object{Key: aws.String(key), Size: aws.Int64(10), LastModified: aws.Time(at)}
}

func TestReaderListsExportsNewestFirst(t *testing.T) {
	jan := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeObjects{pages: [][]types.Object{
		{object("archive/opportunities/2026-01.jsonl", jan), object("archive/opportunities/", jan)},
		{object("archive/opportunities/2026-02.jsonl", feb), object("archive/opportunities/2026-01-1.jsonl", feb)},
	}}
	r := &Reader{api: api, bucket: "omenarb"}

	files, err := r.List(context.Background(), ArchivePrefix("opportunities"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"archive/opportunities/2026-02.jsonl",
		"archive/opportunities/2026-01-1.jsonl",
		"archive/opportunities/2026-01.jsonl",
	}
	if len(files) != len(want) {
		t.Fatalf("listed %d files %+v, want %d", len(files), files, len(want))
	}
	for i, p := range want {
		if files[i].Path != p {
			t.Errorf("files[%d] = %s, want %s", i, files[i].Path, p)
		}
	}
	if api.calls != 2 {
		t.Errorf("ListObjectsV2 called %d times, want both pages", api.calls)
	}
}

func TestReaderGetAndExists(t *testing.T) {
	api := &fakeObjects{bodies: map[string]string{"archive/audit/2026-01.jsonl": "{}\n"}}
	r := &Reader{api: api, bucket: "omenarb"}
	ctx := context.Background()

	body, err := r.Get(ctx, "archive/audit/2026-01.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(body)
	_ = body.Close()
	if string(b) != "{}\n" {
		t.Errorf("body = %q", b)
	}
	if _, err := r.Get(ctx, "archive/audit/2026-02.jsonl"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing object err = %v, want ErrNotFound", err)
	}

	tests := []struct {
		path    string
		headErr error
		want    bool
		wantErr bool
	}{
		{"archive/audit/2026-01.jsonl", nil, true, false},
		{"archive/audit/2026-02.jsonl", nil, false, false},
		{"archive/audit/2026-01.jsonl", errors.New("connection reset"), false, true},
	}
	for _, tt := range tests {
		api.headErr = tt.headErr
		got, err := r.Exists(ctx, tt.path)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("Exists(%s) = %v, %v; want %v, err %v", tt.path, got, err, tt.want, tt.wantErr)
		}
	}
}
