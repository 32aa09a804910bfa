// internal/browser/scripts.go
package browser

import (
	"encoding/json"
	"fmt"
)

// targetAttr marks the element resolved for the current action so that both
// drivers can address it with a plain attribute selector.
const targetAttr = "data-wayfinder-target"

// locateScript resolves a Target inside the page. It returns the marker
// token on success and null when nothing matches.
const locateScript = `(function(spec) {
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
  };
  const norm = (t) => (t || '').replace(/\s+/g, ' ').trim().toLowerCase();
  let el = null;
  if (spec.selector) {
    el = document.querySelector(spec.selector);
  } else {
    const want = norm(spec.text);
    const labelled = (n) => {
      const names = [n.innerText, n.value, n.getAttribute('aria-label'), n.getAttribute('placeholder'),
        n.getAttribute('title'), n.getAttribute('name'), n.getAttribute('alt')];
      if (n.id) {
        const l = document.querySelector('label[for="' + CSS.escape(n.id) + '"]');
        if (l) names.push(l.innerText);
      }
      if (n.closest('label')) names.push(n.closest('label').innerText);
      return names.map(norm);
    };
    const candidates = Array.from(document.querySelectorAll(
      'a,button,input,textarea,select,summary,label,[role],[onclick],[tabindex],[contenteditable="true"]'
    )).filter(visible);
    el = candidates.find((n) => labelled(n).some((v) => v === want))
      || candidates.find((n) => labelled(n).some((v) => v && v.includes(want)));
    if (el && el.tagName === 'LABEL' && el.control) el = el.control;
  }
  if (!el) return null;
  document.querySelectorAll('[` + targetAttr + `]').forEach((n) => n.removeAttribute('` + targetAttr + `'));
  const token = String(Date.now()) + Math.floor(Math.random() * 1e6);
  el.setAttribute('` + targetAttr + `', token);
  el.scrollIntoView({block: 'center', inline: 'center'});
  return token;
})(%s)`

// pageStateScript summarizes what a user could see and interact with.
const pageStateScript = `(function() {
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none'
      && r.bottom >= 0 && r.top <= window.innerHeight;
  };
  const label = (el) => {
    const t = (el.innerText || el.value || el.getAttribute('aria-label') || el.getAttribute('placeholder')
      || el.getAttribute('alt') || el.getAttribute('name') || '').replace(/\s+/g, ' ').trim();
    return el.tagName.toLowerCase() + (t ? ': ' + t.slice(0, 80) : '');
  };
  const uniq = (xs) => Array.from(new Set(xs)).slice(0, 60);
  const visibleEls = Array.from(document.querySelectorAll('h1,h2,h3,p,img,table,form,nav,li')).filter(visible).map(label);
  const clickable = Array.from(document.querySelectorAll(
    'a[href],button,input,select,textarea,[role=button],[role=link],[onclick]'
  )).filter(visible).map(label);
  const dialogs = Array.from(document.querySelectorAll('dialog[open],[role=dialog],[role=alertdialog],[aria-modal=true]'))
    .filter(visible).map(label);
  return {visibleElements: uniq(visibleEls), clickableElements: uniq(clickable), openDialogs: uniq(dialogs)};
})()`

// extractScript collects a structured snapshot of the page. The instruction
// is echoed so the caller can tell extractions apart.
const extractScript = `(function(instruction) {
  const clean = (t) => (t || '').replace(/\s+/g, ' ').trim();
  const headings = Array.from(document.querySelectorAll('h1,h2,h3')).map((h) => ({level: h.tagName.toLowerCase(), text: clean(h.innerText)})).filter((h) => h.text);
  const links = Array.from(document.querySelectorAll('a[href]')).map((a) => ({text: clean(a.innerText), href: a.href})).filter((l) => l.href.startsWith('http')).slice(0, 200);
  const forms = Array.from(document.forms).map((f) => ({
    action: f.action, method: (f.method || 'get').toLowerCase(),
    fields: Array.from(f.elements).filter((e) => e.name || e.id).map((e) => ({name: e.name || e.id, type: e.type || e.tagName.toLowerCase(), required: !!e.required}))
  }));
  const tables = Array.from(document.querySelectorAll('table')).slice(0, 10).map((t) =>
    Array.from(t.rows).slice(0, 50).map((r) => Array.from(r.cells).map((c) => clean(c.innerText))));
  const meta = {};
  document.querySelectorAll('meta[name],meta[property]').forEach((m) => { meta[m.getAttribute('name') || m.getAttribute('property')] = m.content; });
  const emails = Array.from(new Set((document.body.innerText.match(/[\w.+-]+@[\w-]+\.[\w.-]+/g) || []))).slice(0, 20);
  return {
    instruction: instruction, url: location.href, title: document.title,
    headings: headings, links: links, forms: forms, tables: tables, meta: meta, emails: emails,
    text: clean(document.body.innerText).slice(0, 8000)
  };
})(%s)`

const scrollScript = `(function(dir) {
  if (dir === 'top') { window.scrollTo(0, 0); return; }
  if (dir === 'bottom') { window.scrollTo(0, document.body.scrollHeight); return; }
  window.scrollBy(0, (dir === 'up' ? -1 : 1) * Math.round(window.innerHeight * 0.8));
})(%s)`

// setChecked toggles a checkbox only when its state differs.
const setCheckedScript = `(function(sel, want) {
  const el = document.querySelector(sel);
  if (!el) return false;
  if (el.checked !== want) el.click();
  return true;
})(%s, %s)`

func jsArg(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func locateExpr(t Target) string {
	return fmt.Sprintf(locateScript, jsArg(map[string]string{"selector": t.Selector, "text": t.Text}))
}

func markerSelector(token string) string {
	return fmt.Sprintf(`[%s="%s"]`, targetAttr, token)
}
