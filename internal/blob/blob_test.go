package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "imports/a.csv", strings.NewReader("id,title\n"), PutOptions{ContentType: "text/csv"})
	require.NoError(t, err)
	assert.Equal(t, "imports/a.csv", info.Key)

	_, err = s.Put(ctx, "imports/a.csv", strings.NewReader("again"), PutOptions{})
	assert.ErrorIs(t, err, ErrExists)

	_, rc, err := s.Get(ctx, "imports/a.csv")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "id,title\n", string(b))

	deleted, err := s.Delete(ctx, "imports/a.csv")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "imports/a.csv")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, _, err = s.Get(ctx, "imports/a.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFilesystemStore(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)

	_, err = s.Put(context.Background(), "../escape", strings.NewReader("x"), PutOptions{})
	assert.Error(t, err)
}

func TestOpen_SelectsDriver(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Config{FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Config{Driver: "ftp"})
	assert.Error(t, err)
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	return &s3.PutObjectOutput{}, args.Error(0)
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *mockS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadObjectOutput), args.Error(1)
}

func (m *mockS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, in)
	return &s3.DeleteObjectOutput{}, args.Error(0)
}

func keyIs(key string) interface{} {
	return mock.MatchedBy(func(in interface{}) bool {
		switch v := in.(type) {
		case *s3.HeadObjectInput:
			return *v.Key == key
		case *s3.PutObjectInput:
			return *v.Key == key
		case *s3.GetObjectInput:
			return *v.Key == key
		case *s3.DeleteObjectInput:
			return *v.Key == key
		}
		return false
	})
}

func TestS3Store_PutIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	m := new(mockS3)
	s := &S3{client: m, bucket: "imports"}

	m.On("HeadObject", ctx, keyIs("new.csv")).Return(nil, &types.NotFound{}).Once()
	m.On("PutObject", ctx, keyIs("new.csv")).Return(nil).Once()
	_, err := s.Put(ctx, "new.csv", bytes.NewReader([]byte("x")), PutOptions{ContentType: "text/csv"})
	require.NoError(t, err)

	m.On("HeadObject", ctx, keyIs("old.csv")).Return(&s3.HeadObjectOutput{}, nil).Once()
	_, err = s.Put(ctx, "old.csv", bytes.NewReader([]byte("x")), PutOptions{})
	assert.ErrorIs(t, err, ErrExists)

	m.AssertExpectations(t)
}

func TestS3Store_GetAndDeleteMissing(t *testing.T) {
	ctx := context.Background()
	m := new(mockS3)
	s := &S3{client: m, bucket: "imports"}

	m.On("GetObject", ctx, keyIs("gone.csv")).Return(nil, &types.NoSuchKey{}).Once()
	_, _, err := s.Get(ctx, "gone.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	m.On("HeadObject", ctx, keyIs("gone.csv")).Return(nil, &types.NotFound{}).Once()
	deleted, err := s.Delete(ctx, "gone.csv")
	require.NoError(t, err)
	assert.False(t, deleted)

	m.On("HeadObject", ctx, keyIs("here.csv")).Return(&s3.HeadObjectOutput{}, nil).Once()
	m.On("DeleteObject", ctx, keyIs("here.csv")).Return(nil).Once()
	deleted, err = s.Delete(ctx, "here.csv")
	require.NoError(t, err)
	assert.True(t, deleted)

	m.AssertExpectations(t)
}
