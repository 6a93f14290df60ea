package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sc "github.com/dmitrijs2005/schedkeeper/internal/server/config"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const avatarUploadExpiry = 15 * time.Minute

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
)

// AvatarService hands out presigned upload URLs for profile pictures and
// records the uploaded object as the user's avatar.
type AvatarService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
}

func NewAvatarService(db *sql.DB, repomanager repomanager.RepositoryManager, config *sc.Config) *AvatarService {
	return &AvatarService{
		db:          db,
		repomanager: repomanager,
		config:      config,
	}
}

func avatarKeyPrefix(userID string) string {
	return fmt.Sprintf("users/%s/", userID)
}

func (s *AvatarService) getPresignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	return newS3PresignClient(client), nil
}

// UploadURL presigns a PUT for a fresh object under the user's prefix.
func (s *AvatarService) UploadURL(ctx context.Context, userID string) (*models.AvatarUpload, error) {
	presignClient, err := s.getPresignClient(ctx)
	if err != nil {
		return nil, passThrough("loading storage config", err)
	}

	bucket := s.config.S3Bucket
	key := avatarKeyPrefix(userID) + uuid.NewString()

	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(avatarUploadExpiry))
	if err != nil {
		return nil, passThrough("presigning avatar upload", err)
	}

	return &models.AvatarUpload{
		Key:       key,
		UploadURL: req.URL,
		AvatarURL: s.avatarURL(key),
	}, nil
}

// Confirm points the user's avatar at an uploaded key. Only keys under the
// user's own prefix are accepted.
func (s *AvatarService) Confirm(ctx context.Context, userID, key string) (*models.User, error) {
	prefix := avatarKeyPrefix(userID)
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) || strings.Contains(key, "..") {
		return nil, invalidArgument("avatar key does not belong to the user")
	}

	user, err := s.repomanager.Users(s.db).SetAvatarURL(ctx, userID, s.avatarURL(key))
	if err != nil {
		return nil, passThrough("setting avatar", err)
	}
	return user, nil
}

func (s *AvatarService) avatarURL(key string) string {
	return strings.TrimSuffix(s.config.AvatarBaseURL, "/") + "/" + key
}
