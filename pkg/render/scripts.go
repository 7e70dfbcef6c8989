package render

// In-page scripts. Each takes its selectors as arguments so the page contract
// lives in configuration, not here.

// measureScript returns the container's scroll height and section count, or
// null when the container is missing.
const measureScript = `([container, sections]) => {
	const body = document.querySelector(container);
	if (!body) {
		return null;
	}
	return {
		height: body.scrollHeight,
		sections: document.querySelectorAll(sections).length
	};
}`

// forceRenderScript makes every section paint-eligible and toggles visibility
// of off-screen ones so lazily revealed content is laid out before capture.
// It resolves with the section count after an in-page settle.
const forceRenderScript = `([sections, settleMs]) => {
	const nodes = document.querySelectorAll(sections);
	nodes.forEach((section) => {
		section.style.transform = 'translateZ(0)';
		section.style.willChange = 'transform';
		section.style.contain = 'paint';
	});

	const observer = new IntersectionObserver((entries) => {
		entries.forEach((entry) => {
			if (!entry.isIntersecting) {
				entry.target.style.visibility = 'hidden';
				entry.target.style.visibility = 'visible';
			}
		});
	}, { root: null, threshold: 0 });
	nodes.forEach((section) => observer.observe(section));

	// force a synchronous layout
	document.body.offsetHeight;

	return new Promise((resolve) => setTimeout(() => {
		observer.disconnect();
		resolve(nodes.length);
	}, settleMs));
}`

// hideOverlayScript hides the element at an XPath; reports whether it existed.
const hideOverlayScript = `(xpath) => {
	const node = document.evaluate(
		xpath,
		document,
		null,
		XPathResult.FIRST_ORDERED_NODE_TYPE,
		null
	).singleNodeValue;
	if (!node) {
		return false;
	}
	node.style.display = 'none';
	return true;
}`

// boxScript returns the container's document-relative top and its height.
const boxScript = `(container) => {
	const el = document.querySelector(container);
	if (!el) {
		return null;
	}
	const rect = el.getBoundingClientRect();
	return { top: rect.top + window.scrollY, height: rect.height };
}`
