// Package mocks provides gomock test doubles for the fan-out coordinator's outbound ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	trigger := mocks.NewMockCollectionTrigger(ctrl)
//	trigger.EXPECT().Trigger(gomock.Any(), gomock.Any()).Return("snap-1", nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=collection_trigger_mock.go github.com/target/mmk-fanout/internal/core CollectionTrigger
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=interpreter_mock.go github.com/target/mmk-fanout/internal/core Interpreter
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_locker_mock.go github.com/target/mmk-fanout/internal/core JobLocker
