package web

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// loadCookieJar reads a Netscape-format cookies.txt into a cookie jar.
// Fields per line, tab-separated: domain, include-subdomains flag, path,
// secure flag, expiry (unix seconds), name, value. Lines starting with #
// are comments, except the #HttpOnly_ prefix some browsers emit.
func loadCookieJar(path string) (http.CookieJar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		domain := strings.TrimPrefix(fields[0], ".")
		secure := fields[3] == "TRUE"
		expiry, _ := strconv.ParseInt(fields[4], 10, 64)
		cookie := &http.Cookie{
			Name:   fields[5],
			Value:  fields[6],
			Path:   fields[2],
			Domain: fields[0],
			Secure: secure,
		}
		if expiry != 0 {
			cookie.Expires = time.Unix(expiry, 0)
		}
		scheme := "http"
		if secure {
			scheme = "https"
		}
		u, err := url.Parse(fmt.Sprintf("%s://%s%s", scheme, domain, fields[2]))
		if err != nil {
			continue
		}
		jar.SetCookies(u, []*http.Cookie{cookie})
	}
	return jar, scanner.Err()
}
