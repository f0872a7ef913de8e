package mocks

import (
	"context"

	"github.com/Harvey-AU/profile-harvester/internal/crawler"
	"github.com/stretchr/testify/mock"
)

// MockScraper is a mock implementation of the profile scraper
type MockScraper struct {
	mock.Mock
}

// Scrape mocks the Scrape method
func (m *MockScraper) Scrape(ctx context.Context, id int64) crawler.Result {
	args := m.Called(ctx, id)
	return args.Get(0).(crawler.Result)
}
