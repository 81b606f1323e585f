package bernard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/m-rots/bernard/auth"
	ds "github.com/m-rots/bernard/datastore"
)

const folderMimeType = "application/vnd.google-apps.folder"

type driveItem struct {
	ID          string
	Name        string
	MimeType    string
	Parents     []string
	Size        int64 `json:"size,string"`
	MD5Checksum string
	Trashed     bool
	DriveID     string
}

type sharedDrive struct {
	ID   string
	Name string
}

type driveChange struct {
	Drive   sharedDrive
	DriveID string
	File    driveItem
	FileID  string
	Removed bool
}

type driveError struct {
	Domain  string
	Message string
	Reason  string
}

type errorResponse struct {
	Error struct {
		Errors  []driveError
		Code    int
		Message string
	}
}

// contentPage is one page of the full enumeration.
type contentPage struct {
	folders []ds.Folder
	files   []ds.File
}

// changePage is one page of the change feed. pageToken is the cursor this
// page's application corresponds to: the next page's token, or the new start
// page token on the final page.
type changePage struct {
	folders    []ds.Folder
	files      []ds.File
	removedIDs []string
	driveName  string

	pageToken string
	last      bool
}

func (page *changePage) empty() bool {
	return len(page.folders) == 0 && len(page.files) == 0 &&
		len(page.removedIDs) == 0 && page.driveName == ""
}

type fetcher struct {
	auth    Authenticator
	baseURL string
	client  *http.Client
	log     Logger

	sleep      func(time.Duration)
	jitter     func() time.Duration
	maxElapsed time.Duration
}

// withAuth performs the request with a bearer token, retrying transient
// failures with exponential backoff and jitter until maxElapsed sleep time
// has accumulated.
func (fetch *fetcher) withAuth(req *http.Request) (res *http.Response, err error) {
	var retriedAttempts int
	var elapsed time.Duration

	jitter := fetch.jitter
	if jitter == nil {
		jitter = func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		}
	}

	// handle exponential backoff
	handleBackoff := func() error {
		var waitDuration time.Duration

		exponentialBackoff := math.Exp2(float64(retriedAttempts))
		if exponentialBackoff <= 32 {
			waitDuration = time.Duration(exponentialBackoff) * time.Second
		} else {
			waitDuration = time.Duration(32) * time.Second
		}

		waitDuration += jitter()

		elapsed += waitDuration
		if elapsed > fetch.maxElapsed {
			return fmt.Errorf("retries exhausted after %v: %w", elapsed, ErrNetwork)
		}

		fetch.sleep(waitDuration)
		retriedAttempts++
		return nil
	}

	// for loop to retry if necessary
	for {
		if err := req.Context().Err(); err != nil {
			return nil, err
		}

		token, _, err := fetch.auth.AccessToken()
		if err != nil {
			// A transport failure at the token endpoint feeds the same
			// backoff loop; a rejection or key error is fatal.
			if errors.Is(err, auth.ErrExchange) {
				if err := handleBackoff(); err != nil {
					return nil, err
				}
				continue
			}

			return nil, err
		}

		req.Header.Set("Authorization", "Bearer "+token)
		res, err = fetch.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}

			if err := handleBackoff(); err != nil {
				return nil, err
			}
			continue
		}

		if res.StatusCode == 200 {
			return res, nil
		}

		response := new(errorResponse)
		json.NewDecoder(res.Body).Decode(response)
		res.Body.Close()

		switch res.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			if err := handleBackoff(); err != nil {
				return nil, err
			}
			continue
		case 401:
			return nil, ErrInvalidCredentials
		case 403:
			driveErrors := response.Error.Errors
			if len(driveErrors) == 0 {
				return nil, fmt.Errorf("%v: %w", response.Error.Message, ErrNetwork)
			}
			switch driveErrors[0].Reason {
			case "userRateLimitExceeded", "rateLimitExceeded":
				if err := handleBackoff(); err != nil {
					return nil, err
				}
				continue
			default:
				return nil, fmt.Errorf("%v: %w", response.Error.Message, ErrNetwork)
			}
		case 404:
			return nil, fmt.Errorf("%v: %w", response.Error.Message, ErrNotFound)
		default:
			return nil, fmt.Errorf("%v: %w", response.Error.Message, ErrNetwork)
		}
	}
}

// decode reads the response body into v, classifying failures as malformed
// responses, and closes the body.
func decode(res *http.Response, v interface{}) error {
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformed)
	}

	return nil
}

// pageToken fetches the current change-feed cursor of the drive.
func (fetch *fetcher) pageToken(ctx context.Context, driveID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fetch.baseURL+"/changes/startPageToken", nil)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrNetwork)
	}

	q := url.Values{}
	q.Add("driveId", driveID)
	q.Add("supportsAllDrives", "true")
	req.URL.RawQuery = q.Encode()

	res, err := fetch.withAuth(req)
	if err != nil {
		return "", err
	}

	response := new(struct {
		StartPageToken string
	})

	if err := decode(res, response); err != nil {
		return "", err
	}

	if response.StartPageToken == "" {
		return "", fmt.Errorf("missing startPageToken: %w", ErrMalformed)
	}

	return response.StartPageToken, nil
}

// drive fetches the display name of the Shared Drive.
func (fetch *fetcher) drive(ctx context.Context, driveID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fetch.baseURL+"/drives/"+driveID, nil)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrNetwork)
	}

	q := url.Values{}
	q.Add("fields", "name")
	req.URL.RawQuery = q.Encode()

	res, err := fetch.withAuth(req)
	if err != nil {
		return "", err
	}

	response := new(struct {
		Name string
	})

	if err := decode(res, response); err != nil {
		return "", err
	}

	return response.Name, nil
}

// allContent streams every non-trashed item of the drive, invoking fn once
// per page.
func (fetch *fetcher) allContent(ctx context.Context, driveID string, fn func(page *contentPage) error) error {
	var pageToken string

	for {
		req, err := http.NewRequestWithContext(ctx, "GET", fetch.baseURL+"/files", nil)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrNetwork)
		}

		q := url.Values{}
		q.Add("corpora", "drive")
		q.Add("driveId", driveID)
		q.Add("pageSize", "1000")
		q.Add("includeItemsFromAllDrives", "true")
		q.Add("supportsAllDrives", "true")
		q.Add("q", "trashed=false")
		q.Add("fields", "nextPageToken,files(id,driveId,name,mimeType,parents,md5Checksum,size,trashed)")
		if pageToken != "" {
			q.Add("pageToken", pageToken)
		}

		req.URL.RawQuery = q.Encode()

		res, err := fetch.withAuth(req)
		if err != nil {
			return err
		}

		response := new(struct {
			Files         []driveItem
			NextPageToken string
		})

		if err := decode(res, response); err != nil {
			return err
		}

		page := new(contentPage)
		page.folders, page.files = fetch.convert(driveID, response.Files)

		if err := fn(page); err != nil {
			return err
		}

		pageToken = response.NextPageToken

		if pageToken == "" {
			return nil
		}
	}
}

// changedContent streams the change feed starting at pageToken, invoking fn
// once per page. The final page carries the new start page token.
func (fetch *fetcher) changedContent(ctx context.Context, driveID string, pageToken string, fn func(page *changePage) error) error {
	for {
		req, err := http.NewRequestWithContext(ctx, "GET", fetch.baseURL+"/changes", nil)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrNetwork)
		}

		q := url.Values{}
		q.Add("driveId", driveID)
		q.Add("pageSize", "1000")
		q.Add("pageToken", pageToken)
		q.Add("includeItemsFromAllDrives", "true")
		q.Add("supportsAllDrives", "true")
		q.Add("fields", "nextPageToken,newStartPageToken,changes(driveId,fileId,removed,drive(id,name),file(id,driveId,name,mimeType,parents,md5Checksum,size,trashed))")
		req.URL.RawQuery = q.Encode()

		res, err := fetch.withAuth(req)
		if err != nil {
			return err
		}

		response := new(struct {
			NextPageToken     string
			NewStartPageToken string
			Changes           []driveChange
		})

		if err := decode(res, response); err != nil {
			return err
		}

		page := new(changePage)
		var changedItems []driveItem

		for _, change := range response.Changes {
			if change.DriveID != "" {
				if change.Removed {
					// The drive itself is gone. Mirrored content stays until
					// the caller removes the drive explicitly.
					fetch.log.Warn("drive removed from change feed", "drive", change.DriveID)
					continue
				}

				page.driveName = change.Drive.Name
				continue
			}

			if change.FileID == "" {
				continue
			}

			// An item moved to another Shared Drive is gone from this one.
			if change.Removed || change.File.DriveID != driveID {
				page.removedIDs = append(page.removedIDs, change.FileID)
			} else {
				changedItems = append(changedItems, change.File)
			}
		}

		page.folders, page.files = fetch.convert(driveID, changedItems)

		if response.NextPageToken != "" {
			page.pageToken = response.NextPageToken
		} else {
			if response.NewStartPageToken == "" {
				return fmt.Errorf("missing newStartPageToken: %w", ErrMalformed)
			}

			page.pageToken = response.NewStartPageToken
			page.last = true
		}

		if err := fn(page); err != nil {
			return err
		}

		if page.last {
			return nil
		}

		pageToken = response.NextPageToken
	}
}

// convert splits items into folders and files. Items without any visible
// parent (ancestry never shared with the service account) are dropped.
func (fetch *fetcher) convert(driveID string, content []driveItem) (folders []ds.Folder, files []ds.File) {
	for _, item := range content {
		if len(item.Parents) == 0 {
			fetch.log.Warn("dropping item without visible parent", "drive", driveID, "id", item.ID, "name", item.Name)
			continue
		}

		if item.MimeType == folderMimeType {
			folder := ds.Folder{
				ID:      item.ID,
				DriveID: driveID,
				Name:    item.Name,
				Parent:  item.Parents[0],
				Trashed: item.Trashed,
			}

			folders = append(folders, folder)
		} else {
			file := ds.File{
				ID:      item.ID,
				DriveID: driveID,
				Name:    item.Name,
				Parent:  item.Parents[0],
				Trashed: item.Trashed,
				MD5:     item.MD5Checksum,
				Size:    item.Size,
			}

			files = append(files, file)
		}
	}

	return folders, files
}
