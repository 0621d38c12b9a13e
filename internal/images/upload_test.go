package images

import (
	"context"
	"errors"
	"image/color"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dedup"
	hashsha "github.com/JakeFAU/sitecrawler/internal/hash/sha256"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) Upload(ctx context.Context, key, contentType string, data []byte) error {
	args := m.Called(ctx, key, contentType, data)
	return args.Error(0)
}

func (m *mockObjectStore) PublicURL(key string) string {
	return "mock://" + key
}

func (m *mockObjectStore) List(context.Context, string) ([]string, error) { return nil, nil }

func (m *mockObjectStore) Remove(context.Context, []string) error { return nil }

func (m *mockObjectStore) ListBuckets(context.Context) ([]string, error) { return nil, nil }

func (m *mockObjectStore) CreateBucket(context.Context, string) error { return nil }

func TestUploadDeniedGoesToElevatedOnce(t *testing.T) {
	t.Parallel()

	primary := &mockObjectStore{}
	elevated := &mockObjectStore{}
	primary.On("Upload", mock.Anything, mock.AnythingOfType("string"), ContentType, mock.Anything).
		Return(crawler.Permission(errors.New("googleapi: Error 403: forbidden"))).Once()
	elevated.On("Upload", mock.Anything, mock.AnythingOfType("string"), ContentType, mock.Anything).
		Return(crawler.Transient(errors.New("connection reset"))).Once()
	elevated.On("Upload", mock.Anything, mock.AnythingOfType("string"), ContentType, mock.Anything).
		Return(nil).Once()

	p, err := New(testConfig(), Deps{
		Dedup: dedup.New(nil),
		Downloader: newFakeDownloader(&Download{
			Data:        encodePNG(t, 4, 4, color.NRGBA{G: 255, A: 255}),
			ContentType: "image/png",
		}),
		Transformer: JPEGTransformer{MaxDimension: 8, Quality: 80},
		Primary:     primary,
		Elevated:    elevated,
		Hasher:      hashsha.New(0),
		Tracker:     progress.NewTracker(zap.NewNop()),
	}, zap.NewNop())
	require.NoError(t, err)

	pending, err := p.ProcessPage(context.Background(), pageURL, []string{"https://cdn.example.com/x.png"}, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Permission errors are not retried on the primary store.
	primary.AssertNumberOfCalls(t, "Upload", 1)
	elevated.AssertNumberOfCalls(t, "Upload", 2)
	primary.AssertExpectations(t)
	elevated.AssertExpectations(t)
}
