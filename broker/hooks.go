package broker

import "context"

type Hooks struct {
	OnPublish     func(ctx context.Context, channel string, delivered int64)
	OnPublishFail func(ctx context.Context, channel string, err error)
	OnRetry       func(ctx context.Context, channel string, attempt int, delay string)
	OnStreamOpen  func(ctx context.Context, channel string)
	OnStreamFail  func(ctx context.Context, channel string, err error)
}
