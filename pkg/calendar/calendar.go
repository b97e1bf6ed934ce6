package calendar

import (
	"fmt"
	"net/url"
	"time"
)

const maxTitleLength = 1024

// DefaultRunLength is the calendar slot reserved for a scheduled run.
const DefaultRunLength = 30 * time.Minute

type CalendarService struct{}

func NewCalendarService() *CalendarService {
	return &CalendarService{}
}

func (s *CalendarService) CreateEventURL(title, description string, startTime, endTime time.Time, location string) (string, error) {
	if title == "" {
		return "", fmt.Errorf("title cannot be empty")
	}
	if len(title) > maxTitleLength {
		return "", fmt.Errorf("title exceeds %d characters", maxTitleLength)
	}

	if endTime.Before(startTime) {
		return "", fmt.Errorf("end time cannot be before start time")
	}

	if startTime.Equal(endTime) {
		return "", fmt.Errorf("start time and end time cannot be the same")
	}

	start := startTime.UTC().Format("20060102T150405Z")
	end := endTime.UTC().Format("20060102T150405Z")

	u := url.URL{
		Scheme: "https",
		Host:   "calendar.google.com",
		Path:   "calendar/render",
	}

	params := url.Values{}
	params.Add("action", "TEMPLATE")
	params.Add("text", title)
	params.Add("details", description)
	params.Add("dates", fmt.Sprintf("%s/%s", start, end))
	if location != "" {
		params.Add("location", location)
	}

	u.RawQuery = params.Encode()

	return u.String(), nil
}

// CreateRunEvent links a calendar entry for the next scheduled run of a job.
func (s *CalendarService) CreateRunEvent(jobName, schedule string, next time.Time) (string, error) {
	if jobName == "" {
		return "", fmt.Errorf("job name cannot be empty")
	}
	if next.IsZero() {
		return "", fmt.Errorf("next run time is not known")
	}

	title := fmt.Sprintf("Reelforge run: %s", jobName)
	description := fmt.Sprintf("Job: %s\nSchedule: %s\nNext run: %s",
		jobName, schedule, next.UTC().Format(time.RFC3339))

	return s.CreateEventURL(title, description, next, next.Add(DefaultRunLength), "")
}

func CreateRunCalendarURL(jobName, schedule string, next time.Time) (string, error) {
	service := NewCalendarService()
	return service.CreateRunEvent(jobName, schedule, next)
}
