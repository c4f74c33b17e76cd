package acquire

import (
	"encoding/json"
	"fmt"
)

// interceptShim records fetch and XHR responses whose URL contains marker
// into window.__chartIntercepts. It is registered before any page script runs.
func interceptShim(marker string) string {
	return fmt.Sprintf(`(() => {
  if (window.__chartIntercepts) { return true; }
  window.__chartIntercepts = [];
  const marker = %s;
  const record = (url, status, body) => {
    if (typeof url === 'string' && url.indexOf(marker) !== -1) {
      window.__chartIntercepts.push({url: url, status: status, body: body || ''});
    }
  };
  const origFetch = window.fetch;
  if (origFetch) {
    window.fetch = function (...args) {
      return origFetch.apply(this, args).then((resp) => {
        try {
          const url = resp.url || String(args[0] && args[0].url ? args[0].url : args[0]);
          resp.clone().text().then((text) => record(url, resp.status, text)).catch(() => {});
        } catch (e) {}
        return resp;
      });
    };
  }
  const origOpen = XMLHttpRequest.prototype.open;
  XMLHttpRequest.prototype.open = function (method, url, ...rest) {
    this.__chartURL = String(url);
    this.addEventListener('load', () => {
      try { record(this.responseURL || this.__chartURL, this.status, this.responseText); } catch (e) {}
    });
    return origOpen.call(this, method, url, ...rest);
  };
  return true;
})();`, jsString(marker))
}

// drainInterceptsScript returns the captured responses and resets the log.
const drainInterceptsScript = `(() => {
  const out = window.__chartIntercepts || [];
  window.__chartIntercepts = [];
  return out;
})()`

// clickScript clicks the first node matched by any of the XPath candidates.
// When none match and openers are given, the first matching opener is clicked
// and the candidates are retried once the menu has had time to render.
func clickScript(candidates, openers []string) string {
	return fmt.Sprintf(`(async (paths, openers) => {
  const find = (list) => {
    for (const p of list) {
      const node = document.evaluate(p, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
      if (node) { return node; }
    }
    return null;
  };
  let node = find(paths);
  if (!node && openers.length) {
    const opener = find(openers);
    if (opener) {
      opener.click();
      await new Promise((r) => setTimeout(r, 500));
      node = find(paths);
    }
  }
  if (!node) { return false; }
  node.scrollIntoView({block: 'center'});
  node.click();
  return true;
})(%s, %s)`, jsStrings(candidates), jsStrings(openers))
}

// titleSnapshotScript returns the first n viewer link texts, used to tell
// whether a sort click changed the visible order.
func titleSnapshotScript(n int) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll('a[href*="/viewer/"]')).slice(0, %d).map((a) => (a.textContent || '').trim())`, n)
}

// domSelectors are tried in order; the first matching more than the
// threshold wins.
var domSelectors = []string{
	`a[href*="/viewer/"]`,
	`a[href*="/content/"]`,
	`[data-testid*="webtoon"]`,
	`[class*="webtoon"]`,
	`[class*="card"]`,
}

// domExtractScript scrapes listing cards straight from the rendered DOM.
func domExtractScript(threshold int) string {
	return fmt.Sprintf(`((selectors, threshold) => {
  let elements = [];
  for (const selector of selectors) {
    elements = Array.from(document.querySelectorAll(selector));
    if (elements.length > threshold) { break; }
  }
  const patterns = [/\/content\/[^\/]+\/(\d+)/, /viewer\/(\d+)/, /webtoon\/(\d+)/, /\/(\d+)(?:\/|$)/];
  const out = [];
  elements.forEach((elem) => {
    try {
      const link = elem.tagName === 'A' ? elem : (elem.closest('a') || elem.querySelector('a'));
      if (!link) { return; }
      const href = link.getAttribute('href') || '';
      const titleElem = elem.querySelector('[class*="title"], [class*="Title"]') ||
        link.querySelector('[class*="title"], [class*="Title"]') || elem;
      const title = ((titleElem.textContent || '') || (link.textContent || '')).trim();
      if (!title || !href) { return; }
      let id = '';
      for (const p of patterns) {
        const m = href.match(p);
        if (m) { id = m[1]; break; }
      }
      const authorElem = elem.querySelector('[class*="author"], [class*="Author"], [class*="writer"]');
      out.push({id: id, title: title, href: href, author: authorElem ? (authorElem.textContent || '').trim() : ''});
    } catch (e) {}
  });
  return out;
})(%s, %d)`, jsStrings(domSelectors), threshold)
}

func weekdayXPaths(label string) []string {
	q := xpathLiteral(label)
	return []string{
		fmt.Sprintf("//li[./p[text()=%s]]", q),
		fmt.Sprintf("//button[normalize-space()=%s]", q),
		fmt.Sprintf("//*[@role='tab' and normalize-space()=%s]", q),
		fmt.Sprintf("//a[normalize-space()=%s]", q),
	}
}

func sortXPaths(label string) (candidates, openers []string) {
	q := xpathLiteral(label)
	candidates = []string{
		fmt.Sprintf("//button[contains(text(), %s)]", q),
		fmt.Sprintf("//span[contains(text(), %s)]/ancestor::button[1]", q),
		fmt.Sprintf("//div[contains(text(), %s)]/ancestor::button[1]", q),
		fmt.Sprintf("//*[@role='button' and contains(text(), %s)]", q),
		fmt.Sprintf("//button[.//span[contains(text(), %s)]]", q),
		fmt.Sprintf("//button[.//div[contains(text(), %s)]]", q),
		fmt.Sprintf("//li[contains(normalize-space(), %s)]", q),
	}
	openers = []string{"//button[contains(@class, 'sort') or contains(@class, 'order')]"}
	return candidates, openers
}

// xpathLiteral quotes s for XPath 1.0. Labels never contain both quote kinds.
func xpathLiteral(s string) string {
	for _, r := range s {
		if r == '\'' {
			return `"` + s + `"`
		}
	}
	return "'" + s + "'"
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}
