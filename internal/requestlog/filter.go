package requestlog

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/apitally/apitally-go/internal/model"
)

var (
	defaultExcludePathPatterns = []string{
		`/_?healthz?$`,
		`/_?health[_-]?checks?$`,
		`/_?heart[_-]?beats?$`,
		`/ping$`,
		`/ready$`,
		`/live$`,
		`/favicon\.ico$`,
		`/robots\.txt$`,
		`/\.well-known/`,
	}
	defaultExcludeUserAgentPatterns = []string{
		`health[-_ ]?check`,
		`microsoft-azure-application-lb`,
		`googlehc`,
		`kube-probe`,
	}
	defaultMaskQueryParamPatterns = []string{
		`auth`,
		`api-?key`,
		`secret`,
		`token`,
		`password`,
		`pwd`,
	}
	defaultMaskHeaderPatterns = []string{
		`auth`,
		`api-?key`,
		`secret`,
		`token`,
		`cookie`,
	}
	defaultMaskBodyFieldPatterns = []string{
		`password`,
		`pwd`,
		`token`,
		`secret`,
		`auth`,
		`card[-_ ]?number`,
		`ccv`,
		`ssn`,
	}
)

// patternSet matches names case-insensitively anywhere in the input.
type patternSet []*regexp.Regexp

func compilePatterns(defaults, extra []string) (patternSet, error) {
	out := make(patternSet, 0, len(defaults)+len(extra))
	for _, list := range [][]string{defaults, extra} {
		for _, p := range list {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %q: %w", p, err)
			}
			out = append(out, re)
		}
	}
	return out, nil
}

func (p patternSet) match(value string) bool {
	for _, re := range p {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// filter decides whether an exchange is logged at all.
type filter struct {
	paths      patternSet
	userAgents patternSet
}

func newFilter(extraPaths []string) (filter, error) {
	paths, err := compilePatterns(defaultExcludePathPatterns, extraPaths)
	if err != nil {
		return filter{}, err
	}
	userAgents, err := compilePatterns(defaultExcludeUserAgentPatterns, nil)
	if err != nil {
		return filter{}, err
	}
	return filter{paths: paths, userAgents: userAgents}, nil
}

func (f filter) excluded(req *model.LogRequest) bool {
	path := req.Path
	if path == "" && req.URL != "" {
		if parsed, err := url.Parse(req.URL); err == nil {
			path = parsed.Path
		}
	}
	if path != "" && f.paths.match(path) {
		return true
	}
	if ua, ok := model.FindHeader(req.Headers, "User-Agent"); ok && f.userAgents.match(ua) {
		return true
	}
	return false
}
